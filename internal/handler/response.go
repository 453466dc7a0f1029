package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/MikeHonkers/mementonos/internal/errors"
	"github.com/MikeHonkers/mementonos/internal/httputil"
	"github.com/MikeHonkers/mementonos/internal/middleware"
	"github.com/MikeHonkers/mementonos/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.ValidationError("Request body too large")
		}
		return apperrors.ValidationError("Invalid request body")
	}
	return nil
}

// clientSession resolves the in-memory state of the calling browser.
func clientSession(sessions *service.SessionStore, r *http.Request) (*service.ClientSession, bool) {
	tok := middleware.GetClientToken(r.Context())
	if tok == "" {
		return nil, false
	}
	return sessions.Get(tok), true
}

func writeMissingClient(w http.ResponseWriter) {
	writeError(w, apperrors.Unauthorized("Client session required"))
}
