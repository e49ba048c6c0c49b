package http

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/remotelab/weblab-gateway/config"
	"github.com/remotelab/weblab-gateway/internal/labcontext"
	"github.com/remotelab/weblab-gateway/internal/service"
	"github.com/remotelab/weblab-gateway/pkg/logger"
	"github.com/remotelab/weblab-gateway/pkg/response"
)

// SessionCookieName is the signed cookie binding a browser to its lab
// session.
const SessionCookieName = "weblab_session"

// SchedulerAuth guards the scheduler endpoints with the credentials
// WebLab-Deusto was configured with.
func SchedulerAuth(conf config.WeblabConfig, l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(username), []byte(conf.Username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(password), []byte(conf.Password)) != 1 {
				l.Warnf(r.Context(), "scheduler auth rejected for %s %s", r.Method, r.URL.Path)
				w.Header().Set("WWW-Authenticate", `Basic realm="weblab"`)
				_ = response.JSON(w, http.StatusUnauthorized, map[string]interface{}{
					"valid": false,
					"error": "Invalid credentials",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionToken signs the session cookie value.
func SessionToken(sessionID string, conf config.JWTConfig) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"session_id": sessionID,
		"exp":        now.Add(conf.Expiry).Unix(),
		"iat":        now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(conf.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// ParseSessionToken reverses SessionToken, returning the session id.
func ParseSessionToken(tokenStr string, conf config.JWTConfig) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(conf.Secret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid session token")
	}
	sessionID, _ := claims["session_id"].(string)
	if sessionID == "" {
		return "", fmt.Errorf("session token missing session_id")
	}
	return sessionID, nil
}

// WebLabSession resolves the session cookie and binds the session id to
// the request context. Requests without a valid live session get the
// forbidden response.
func WebLabSession(sessionSvc service.SessionService, jwtConf config.JWTConfig, weblabConf config.WeblabConfig, l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil {
				respondForbidden(w)
				return
			}

			sessionID, err := ParseSessionToken(cookie.Value, jwtConf)
			if err != nil {
				l.Debugf(r.Context(), "session cookie rejected: %v", err)
				respondForbidden(w)
				return
			}

			user, err := sessionSvc.GetUser(r.Context(), sessionID)
			if err != nil {
				response.Error(w, http.StatusInternalServerError, "Failed to load session", err)
				return
			}
			if user.Anonymous() {
				respondForbidden(w)
				return
			}

			ctx := labcontext.WithSessionID(r.Context(), sessionID)

			if weblabConf.AutoPoll && user.Active() {
				if err := sessionSvc.Poll(ctx, sessionID); err != nil {
					l.Warnf(ctx, "autopoll for session %s: %v", sessionID, err)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondForbidden(w http.ResponseWriter) {
	response.Error(w, http.StatusForbidden, "Access forbidden: no valid lab session", nil)
}
