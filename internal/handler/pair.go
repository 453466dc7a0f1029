package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeHonkers/mementonos/internal/audit"
	apperrors "github.com/MikeHonkers/mementonos/internal/errors"
	"github.com/MikeHonkers/mementonos/internal/middleware"
	"github.com/MikeHonkers/mementonos/internal/service"
)

type PairHandler struct {
	pairing  *service.PairingService
	sessions *service.SessionStore
	secure   bool
}

func NewPairHandler(pairing *service.PairingService, sessions *service.SessionStore, secure bool) *PairHandler {
	return &PairHandler{
		pairing:  pairing,
		sessions: sessions,
		secure:   secure,
	}
}

func (h *PairHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/code", h.GenerateCode)
	r.Post("/join", h.Join)

	return r
}

type codeResponse struct {
	*service.CodeResult
	TimeLeftStr string                  `json:"timeLeftStr"`
	Session     service.SessionSnapshot `json:"session"`
}

// POST /api/pair/code
func (h *PairHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	sess, ok := clientSession(h.sessions, r)
	if !ok {
		writeMissingClient(w)
		return
	}

	var in service.CreateCodeInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.pairing.GeneratePairCode(r.Context(), sess, audit.ClientIP(r), in)
	if err != nil {
		h.auditRateLimit(r, err)
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventPairCodeGenerate,
		Nickname: in.Nickname,
	})

	writeJSON(w, http.StatusCreated, codeResponse{
		CodeResult:  result,
		TimeLeftStr: service.FormatTimeLeft(result.TimeLeft),
		Session:     sess.Snapshot(),
	})
}

// POST /api/pair/join
func (h *PairHandler) Join(w http.ResponseWriter, r *http.Request) {
	sess, ok := clientSession(h.sessions, r)
	if !ok {
		writeMissingClient(w)
		return
	}

	var in service.JoinInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.pairing.JoinPair(r.Context(), sess, audit.ClientIP(r), in)
	if err != nil {
		h.auditRateLimit(r, err)
		audit.LogFromRequest(r, audit.Event{
			Type:     audit.EventPairJoinFailure,
			Nickname: in.Nickname,
			Details:  map[string]any{"reason": string(apperrors.GetCode(err))},
		})
		writeError(w, err)
		return
	}

	middleware.SetTokenCookie(w, result.Token, result.ExpiresAt, h.secure)

	var pairID int64
	if result.PairID != nil {
		pairID = *result.PairID
	}
	audit.LogFromRequest(r, audit.Event{
		Type:   audit.EventPairJoin,
		UserID: result.UserID,
		PairID: pairID,
	})

	writeJSON(w, http.StatusOK, result)
}

func (h *PairHandler) auditRateLimit(r *http.Request, err error) {
	if apperrors.GetCode(err) == apperrors.ErrCodeRateLimitExceeded {
		audit.LogFromRequest(r, audit.Event{Type: audit.EventRateLimitExceed})
	}
}
