package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/MikeHonkers/mementonos/internal/audit"
	apperrors "github.com/MikeHonkers/mementonos/internal/errors"
	"github.com/MikeHonkers/mementonos/internal/middleware"
	"github.com/MikeHonkers/mementonos/internal/service"
)

type AuthHandler struct {
	pairing  *service.PairingService
	accounts *service.AccountService
	sessions *service.SessionStore
	secure   bool
}

func NewAuthHandler(
	pairing *service.PairingService,
	accounts *service.AccountService,
	sessions *service.SessionStore,
	secure bool,
) *AuthHandler {
	return &AuthHandler{
		pairing:  pairing,
		accounts: accounts,
		sessions: sessions,
		secure:   secure,
	}
}

// Routes serves login and logout. Me and UnlockKey sit behind the auth
// middleware and are mounted separately.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)

	return r
}

type loginRequest struct {
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	sess, ok := clientSession(h.sessions, r)
	if !ok {
		writeMissingClient(w)
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.pairing.Login(r.Context(), sess, req.Nickname, req.Password)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventLoginFailure,
			Nickname: req.Nickname,
			Details:  map[string]any{"reason": string(apperrors.GetCode(err))},
		})
		writeError(w, err)
		return
	}

	middleware.SetTokenCookie(w, result.Token, result.ExpiresAt, h.secure)
	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventLoginSuccess,
		UserID:   result.UserID,
		Nickname: req.Nickname,
	})

	writeJSON(w, http.StatusOK, result)
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	status := h.pairing.CheckAuth(nil, middleware.TokenFromRequest(r))

	if sess, ok := clientSession(h.sessions, r); ok {
		h.pairing.Logout(r.Context(), sess)
	}
	middleware.ClearTokenCookie(w, h.secure)

	if status.Authenticated {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventLogout, UserID: *status.UserID})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.GetAuth(r.Context())
	if !ok {
		writeError(w, apperrors.Unauthorized("Authentication required"))
		return
	}

	profile, err := h.accounts.Profile(r.Context(), auth.UserID)
	if err != nil {
		log.Error().Err(err).Int64("userId", auth.UserID).Msg("failed to load profile")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type unlockRequest struct {
	Password string `json:"password"`
}

// POST /api/keys/unlock
//
// Proves the caller can open their sealed master key. Only a fingerprint of
// the key ever leaves the server.
func (h *AuthHandler) UnlockKey(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.GetAuth(r.Context())
	if !ok {
		writeError(w, apperrors.Unauthorized("Authentication required"))
		return
	}

	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	fingerprint, err := h.accounts.UnlockMasterKey(r.Context(), auth.UserID, req.Password)
	if err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:    audit.EventKeyUnlockFailure,
			UserID:  auth.UserID,
			Details: map[string]any{"reason": string(apperrors.GetCode(err))},
		})
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fingerprint})
}
