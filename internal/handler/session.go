package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeHonkers/mementonos/internal/middleware"
	"github.com/MikeHonkers/mementonos/internal/model"
	"github.com/MikeHonkers/mementonos/internal/service"
)

// SessionHandler exposes the browser's pairing state and the modal actions.
type SessionHandler struct {
	pairing  *service.PairingService
	sessions *service.SessionStore
	secure   bool
}

func NewSessionHandler(pairing *service.PairingService, sessions *service.SessionStore, secure bool) *SessionHandler {
	return &SessionHandler{
		pairing:  pairing,
		sessions: sessions,
		secure:   secure,
	}
}

// Routes serves the modal actions; GetSession is mounted on its own.
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/close", h.CloseModal)
	r.Post("/{kind}", h.OpenModal)

	return r
}

// GET /api/session
//
// A token minted by the background poller is handed to the browser here,
// since the poller has no response of its own to set a cookie on.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := clientSession(h.sessions, r)
	if !ok {
		writeMissingClient(w)
		return
	}

	raw := middleware.TokenFromRequest(r)
	if tok, exp, ok := sess.TakePendingToken(); ok {
		middleware.SetTokenCookie(w, tok, exp, h.secure)
		raw = tok
	}

	h.pairing.CheckAuth(sess, raw)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// POST /api/modal/{kind}
func (h *SessionHandler) OpenModal(w http.ResponseWriter, r *http.Request) {
	sess, ok := clientSession(h.sessions, r)
	if !ok {
		writeMissingClient(w)
		return
	}

	kind := model.ModalKind(chi.URLParam(r, "kind"))
	if err := h.pairing.OpenModal(r.Context(), sess, kind); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// POST /api/modal/close
func (h *SessionHandler) CloseModal(w http.ResponseWriter, r *http.Request) {
	sess, ok := clientSession(h.sessions, r)
	if !ok {
		writeMissingClient(w)
		return
	}

	h.pairing.CloseModal(r.Context(), sess)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}
