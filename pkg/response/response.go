// Package response holds the JSON envelope helpers shared by every HTTP
// handler.
package response

import (
	"encoding/json"
	"net/http"

	pkgErrors "github.com/remotelab/weblab-gateway/pkg/errors"
)

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

type errBody struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Error writes the error envelope. A *pkgErrors.HTTPError overrides the
// status code and message.
func Error(w http.ResponseWriter, statusCode int, message string, err error) {
	if httpErr, ok := err.(*pkgErrors.HTTPError); ok {
		if httpErr.StatusCode != 0 {
			statusCode = httpErr.StatusCode
		}
		message = httpErr.Message
		err = nil
	}

	body := errBody{Error: true, Message: message}
	if err != nil {
		body.Detail = err.Error()
	}
	_ = JSON(w, statusCode, body)
}
