package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remotelab/weblab-gateway/config"
	"github.com/remotelab/weblab-gateway/internal/labcontext"
	"github.com/remotelab/weblab-gateway/internal/models"
	"github.com/remotelab/weblab-gateway/internal/service"
	"github.com/remotelab/weblab-gateway/pkg/logger"
	"github.com/remotelab/weblab-gateway/pkg/response"
)

// PublicHandler serves the browser-facing endpoints: the scheduler
// redirect target plus the poll/logout endpoints the lab UI calls.
type PublicHandler struct {
	sessionService service.SessionService
	hooks          service.Hooks
	weblabConf     config.WeblabConfig
	jwtConf        config.JWTConfig
	logger         logger.Logger
}

func NewPublicHandler(
	sessionService service.SessionService,
	hooks service.Hooks,
	weblabConf config.WeblabConfig,
	jwtConf config.JWTConfig,
	logger logger.Logger,
) *PublicHandler {
	return &PublicHandler{
		sessionService: sessionService,
		hooks:          hooks,
		weblabConf:     weblabConf,
		jwtConf:        jwtConf,
		logger:         logger,
	}
}

// Callback is where the scheduler sends the browser. It binds the
// session cookie and forwards the user into the lab UI.
func (h *PublicHandler) Callback(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.forbidden(w, r)
		return
	}

	user, err := h.sessionService.GetUser(r.Context(), sessionID)
	if err != nil {
		h.logger.Errorf(r.Context(), "Failed to load session %s: %v", sessionID, err)
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}

	current, ok := user.(*models.CurrentUser)
	if !ok {
		// Expired or unknown: send the user back to the scheduler when
		// we still know where that is.
		if expired, ok := user.(*models.ExpiredUser); ok && expired.Back != "" {
			http.Redirect(w, r, expired.Back, http.StatusFound)
			return
		}
		h.forbidden(w, r)
		return
	}

	token, err := SessionToken(sessionID, h.jwtConf)
	if err != nil {
		h.logger.Errorf(r.Context(), "Failed to sign session cookie: %v", err)
		http.Error(w, "Failed to create session cookie", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.jwtConf.Expiry.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	target := "/"
	if h.hooks.InitialURL != nil {
		ctx := labcontext.WithSessionID(r.Context(), sessionID)
		if url := h.hooks.InitialURL(ctx, current); url != "" {
			target = url
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Poll refreshes the session activity clock. The lab UI calls it
// periodically; the cookie must belong to the session in the path.
func (h *PublicHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.sessionMatches(r, sessionID) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"reason":  "Different session identifier",
		})
		return
	}

	user, err := h.sessionService.GetUser(r.Context(), sessionID)
	if err != nil {
		h.logger.Errorf(r.Context(), "Failed to load session %s: %v", sessionID, err)
		response.Error(w, http.StatusInternalServerError, "Failed to load session", err)
		return
	}
	if user.Anonymous() {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"reason":  "Not found",
		})
		return
	}
	if !user.Active() {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"reason":  "User inactive",
		})
		return
	}

	ctx := labcontext.WithSessionID(r.Context(), sessionID)
	if err := h.sessionService.Poll(ctx, sessionID); err != nil {
		h.logger.Errorf(ctx, "Failed to poll session %s: %v", sessionID, err)
		response.Error(w, http.StatusInternalServerError, "Failed to poll session", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Logout marks the session exited so the cleaner disposes it shortly.
// The session id in the path is already secret, so the cookie match is
// the only check needed.
func (h *PublicHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.sessionMatches(r, sessionID) {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success": false,
			"reason":  "Different session identifier",
		})
		return
	}

	ctx := labcontext.WithSessionID(r.Context(), sessionID)
	if err := h.sessionService.Logout(ctx, sessionID); err != nil && err != service.ErrSessionNotFound {
		h.logger.Errorf(ctx, "Failed to log out session %s: %v", sessionID, err)
		response.Error(w, http.StatusInternalServerError, "Failed to log out", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// UserInfo exposes the current session to the lab UI.
func (h *PublicHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := labcontext.SessionID(r.Context())
	user, err := h.sessionService.GetUser(r.Context(), sessionID)
	if err != nil {
		h.logger.Errorf(r.Context(), "Failed to load session %s: %v", sessionID, err)
		response.Error(w, http.StatusInternalServerError, "Failed to load session", err)
		return
	}

	switch u := user.(type) {
	case *models.CurrentUser:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"anonymous":     false,
			"active":        u.Active(),
			"username":      u.Username,
			"full_name":     u.FullName,
			"locale":        u.Locale,
			"experiment_id": u.ExperimentID,
			"time_left":     u.TimeLeft(),
		})
	case *models.ExpiredUser:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"anonymous": false,
			"active":    false,
			"username":  u.Username,
			"time_left": 0,
			"back":      u.Back,
		})
	default:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"anonymous": true,
			"active":    false,
		})
	}
}

// sessionMatches reports whether the request carries a valid session
// cookie for the session named in the path.
func (h *PublicHandler) sessionMatches(r *http.Request, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return false
	}
	cookieSession, err := ParseSessionToken(cookie.Value, h.jwtConf)
	return err == nil && cookieSession == sessionID
}

// forbidden answers an invalid callback. Deployments can point users
// back at a help page instead of a bare 403.
func (h *PublicHandler) forbidden(w http.ResponseWriter, r *http.Request) {
	if h.weblabConf.UnauthorizedLink != "" {
		http.Redirect(w, r, h.weblabConf.UnauthorizedLink, http.StatusFound)
		return
	}
	http.Error(w, "Access forbidden", http.StatusForbidden)
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	_ = response.JSON(w, statusCode, data)
}
