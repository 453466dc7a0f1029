package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MikeHonkers/mementonos/internal/config"
	apperrors "github.com/MikeHonkers/mementonos/internal/errors"
	"github.com/MikeHonkers/mementonos/internal/events"
	"github.com/MikeHonkers/mementonos/internal/model"
	"github.com/MikeHonkers/mementonos/internal/observability/metrics"
	"github.com/MikeHonkers/mementonos/internal/repository"
	"github.com/MikeHonkers/mementonos/internal/token"
	"github.com/MikeHonkers/mementonos/internal/util"
)

const feedPath = "/feed"

const (
	msgNicknameTaken        = "Nickname already taken"
	msgPartnerNicknameTaken = "Partner's nickname is already taken"
	msgCredentialsRequired  = "Nickname and password are required"
)

// PairStore is the persistence the pairing flow needs.
type PairStore interface {
	FindUserByNick(ctx context.Context, nick string) (*model.User, error)
	CreatePair(ctx context.Context, params model.CreatePairParams) (*model.PairResult, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, clientToken string, event events.Event) error
}

// LivenessProbe reports whether the browser owning clientToken is still connected.
type LivenessProbe interface {
	IsAlive(clientToken string) bool
}

type anyAlive []LivenessProbe

func (p anyAlive) IsAlive(clientToken string) bool {
	for _, probe := range p {
		if probe.IsAlive(clientToken) {
			return true
		}
	}
	return false
}

// AnyAlive combines probes; a client is alive if any of them says so.
func AnyAlive(probes ...LivenessProbe) LivenessProbe {
	return anyAlive(probes)
}

type DirectoryProvisioner interface {
	EnsurePairDirs(pairID, creatorID, joinerID int64) error
}

type PairingConfig struct {
	InviteTTL     time.Duration
	KDFIterations int
	TickInterval  time.Duration
	PollInterval  time.Duration
	PollTimeout   time.Duration
	StrongHashes  bool
}

func DefaultPairingConfig() PairingConfig {
	return PairingConfig{
		InviteTTL:     5 * time.Minute,
		KDFIterations: util.DefaultKDFIterations,
		TickInterval:  config.CountdownTickInterval,
		PollInterval:  config.PollInterval,
		PollTimeout:   config.PollQueryTimeout,
	}
}

type PairingDeps struct {
	Store    PairStore
	Registry *InviteRegistry
	Limiter  AttemptLimiter
	Tokens   *token.Manager
	Events   EventPublisher
	Probe    LivenessProbe
	Dirs     DirectoryProvisioner
}

type CreateCodeInput struct {
	Nickname        string `json:"nickname"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
}

type JoinInput struct {
	Nickname        string `json:"nickname"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"passwordConfirm"`
	Code            string `json:"code"`
}

type CodeResult struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
	TimeLeft  int       `json:"timeLeft"`
}

type AuthResult struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    int64     `json:"userId"`
	PairID    *int64    `json:"pairId,omitempty"`
	Redirect  string    `json:"redirect"`
}

type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	UserID        *int64 `json:"userId,omitempty"`
	PairID        *int64 `json:"pairId,omitempty"`
}

// PairingService drives the per-browser pairing state machine: login, code
// generation with its countdown and poller, and joining.
type PairingService struct {
	store    PairStore
	registry *InviteRegistry
	limiter  AttemptLimiter
	tokens   *token.Manager
	events   EventPublisher
	probe    LivenessProbe
	dirs     DirectoryProvisioner
	cfg      PairingConfig
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPairingService(deps PairingDeps, cfg PairingConfig) *PairingService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PairingService{
		store:    deps.Store,
		registry: deps.Registry,
		limiter:  deps.Limiter,
		tokens:   deps.Tokens,
		events:   deps.Events,
		probe:    deps.Probe,
		dirs:     deps.Dirs,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	if s.registry == nil {
		s.registry = NewInviteRegistry()
	}
	if s.probe == nil {
		s.probe = alwaysAlive{}
	}
	return s
}

type alwaysAlive struct{}

func (alwaysAlive) IsAlive(string) bool { return true }

func (s *PairingService) WithClock(now func() time.Time) *PairingService {
	s.now = now
	return s
}

// Close stops every background task and waits for them to return.
func (s *PairingService) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *PairingService) Registry() *InviteRegistry {
	return s.registry
}

// ForgetSession drops whatever invite code an evicted session still holds,
// so its creator password does not outlive the browser.
func (s *PairingService) ForgetSession(sess *ClientSession) {
	sess.Update(func(st *SessionState) {
		s.clearForm(st)
		st.PendingToken = ""
		st.PendingExpiry = time.Time{}
	})
}

func (s *PairingService) OpenModal(ctx context.Context, sess *ClientSession, kind model.ModalKind) error {
	if !kind.Valid() {
		return apperrors.ValidationError("unknown modal")
	}

	sess.Update(func(st *SessionState) {
		s.clearForm(st)
		st.Modal = kind
		st.ModalVisible = true
		st.Redirect = ""
	})
	return nil
}

// CloseModal is the cancel action. It drops the session's invite code and
// stops the poller on its next wake-up.
func (s *PairingService) CloseModal(ctx context.Context, sess *ClientSession) {
	sess.Update(func(st *SessionState) {
		s.clearForm(st)
		st.Modal = model.ModalNone
		st.ModalVisible = false
	})
	s.publish(ctx, sess.Token(), events.TypeModalClosed, struct{}{})
}

func (s *PairingService) GeneratePairCode(ctx context.Context, sess *ClientSession, identity string, in CreateCodeInput) (*CodeResult, error) {
	if err := s.checkLimit(ctx, identity); err != nil {
		metrics.PairCodesTotal.WithLabelValues("rate_limited").Inc()
		return nil, s.fail(sess, err)
	}

	nick := util.NormalizeNickname(in.Nickname)
	if err := validateCredentials(nick, in.Password, in.PasswordConfirm); err != nil {
		metrics.PairCodesTotal.WithLabelValues("invalid").Inc()
		return nil, s.fail(sess, err)
	}

	existing, err := s.store.FindUserByNick(ctx, nick)
	if err != nil {
		return nil, s.fail(sess, apperrors.Database(err))
	}
	if existing != nil {
		metrics.PairCodesTotal.WithLabelValues("conflict").Inc()
		return nil, s.fail(sess, apperrors.Conflict(msgNicknameTaken))
	}

	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, s.fail(sess, apperrors.Internal("failed to hash password").WithCause(err))
	}
	salt, err := util.GenerateSalt()
	if err != nil {
		return nil, s.fail(sess, apperrors.Internal("failed to generate salt").WithCause(err))
	}

	now := s.now()
	invite := &model.InviteCode{
		CreatorNick:         nick,
		CreatorPasswordHash: hash,
		CreatorPassword:     in.Password,
		CreatorKDFSalt:      salt,
		ExpiresAt:           now.Add(s.cfg.InviteTTL),
		CreatedAt:           now,
	}
	if err := s.mintCode(invite, now); err != nil {
		return nil, s.fail(sess, err)
	}

	timeLeft := int(s.cfg.InviteTTL / time.Second)
	var gen uint64
	sess.Update(func(st *SessionState) {
		if st.GeneratedCode != "" && st.GeneratedCode != invite.Code {
			s.registry.Consume(st.GeneratedCode)
		}
		st.Modal = model.ModalCreatePair
		st.ModalVisible = true
		st.Username = nick
		st.GeneratedCode = invite.Code
		st.CreatorHash = hash
		st.TimeLeft = timeLeft
		st.TimerGen++
		gen = st.TimerGen
		st.PollingActive = true
		st.Error = ""
		st.Redirect = ""
	})

	s.startTasks(sess, gen)

	s.publish(ctx, sess.Token(), events.TypeCodeGenerated, map[string]any{
		"code":        invite.Code,
		"timeLeft":    timeLeft,
		"timeLeftStr": FormatTimeLeft(timeLeft),
		"expiresAt":   invite.ExpiresAt,
	})

	metrics.PairCodesTotal.WithLabelValues("success").Inc()
	log.Info().
		Str("code", util.MaskCode(invite.Code)).
		Str("nick", nick).
		Time("expiresAt", invite.ExpiresAt).
		Msg("invite code generated")

	return &CodeResult{Code: invite.Code, ExpiresAt: invite.ExpiresAt, TimeLeft: timeLeft}, nil
}

func (s *PairingService) mintCode(invite *model.InviteCode, now time.Time) error {
	for attempt := 0; attempt < maxCodeMintAttempts; attempt++ {
		code, err := GenerateInviteCode()
		if err != nil {
			return apperrors.Internal("failed to generate invite code").WithCause(err)
		}
		invite.Code = code
		err = s.registry.Create(invite, now)
		if errors.Is(err, ErrCodeExists) {
			continue
		}
		return err
	}
	return apperrors.Internal("failed to allocate a unique invite code")
}

func (s *PairingService) JoinPair(ctx context.Context, sess *ClientSession, identity string, in JoinInput) (*AuthResult, error) {
	if err := s.checkLimit(ctx, identity); err != nil {
		metrics.PairJoinsTotal.WithLabelValues("rate_limited").Inc()
		return nil, s.fail(sess, err)
	}

	nick := util.NormalizeNickname(in.Nickname)
	if err := validateCredentials(nick, in.Password, in.PasswordConfirm); err != nil {
		metrics.PairJoinsTotal.WithLabelValues("invalid").Inc()
		return nil, s.fail(sess, err)
	}

	code := util.NormalizeCode(in.Code)
	if !util.IsValidInviteCode(code) {
		metrics.PairJoinsTotal.WithLabelValues("not_found").Inc()
		return nil, s.fail(sess, apperrors.NotFound("Invite code"))
	}

	invite, err := s.registry.Reserve(code, s.now())
	switch {
	case errors.Is(err, ErrInviteExpired):
		metrics.PairJoinsTotal.WithLabelValues("expired").Inc()
		log.Info().Str("code", util.MaskCode(code)).Msg("join attempted with expired invite code")
		return nil, s.fail(sess, apperrors.PairingExpired())
	case err != nil:
		metrics.PairJoinsTotal.WithLabelValues("not_found").Inc()
		return nil, s.fail(sess, apperrors.NotFound("Invite code"))
	}

	result, err := s.redeem(ctx, invite, nick, in.Password)
	if err != nil {
		s.registry.Release(code)
		metrics.PairJoinsTotal.WithLabelValues(string(apperrors.GetCode(err))).Inc()
		return nil, s.fail(sess, err)
	}
	s.registry.Consume(code)

	pairID := result.Pair.ID
	if s.dirs != nil {
		if err := s.dirs.EnsurePairDirs(pairID, result.Creator.ID, result.Joiner.ID); err != nil {
			log.Error().Err(err).Int64("pairId", pairID).Msg("failed to create pair directories")
		}
	}

	tok, exp, err := s.tokens.Issue(result.Joiner.ID, &pairID)
	if err != nil {
		return nil, s.fail(sess, apperrors.Internal("failed to issue session token").WithCause(err))
	}
	metrics.TokensIssuedTotal.WithLabelValues("join").Inc()
	metrics.PairJoinsTotal.WithLabelValues("success").Inc()

	s.signIn(sess, result.Joiner.ID, &pairID)
	s.publish(ctx, sess.Token(), events.TypeAuthChanged, AuthStatus{Authenticated: true, UserID: &result.Joiner.ID, PairID: &pairID})

	log.Info().
		Int64("pairId", pairID).
		Int64("creatorId", result.Creator.ID).
		Int64("joinerId", result.Joiner.ID).
		Str("code", util.MaskCode(code)).
		Msg("pair created")

	return &AuthResult{Token: tok, ExpiresAt: exp, UserID: result.Joiner.ID, PairID: &pairID, Redirect: feedPath}, nil
}

// redeem seals a fresh master key for both members and writes the pair.
func (s *PairingService) redeem(ctx context.Context, invite model.InviteCode, nick, password string) (*model.PairResult, error) {
	if nick == invite.CreatorNick {
		return nil, apperrors.Conflict(msgNicknameTaken)
	}

	masterKey, err := util.GenerateMasterKey()
	if err != nil {
		return nil, apperrors.Internal("failed to generate master key").WithCause(err)
	}
	defer clear(masterKey)

	joinerSalt, err := util.GenerateSalt()
	if err != nil {
		return nil, apperrors.Internal("failed to generate salt").WithCause(err)
	}

	creatorBlob, err := util.EncryptMasterKey(masterKey, invite.CreatorPassword, invite.CreatorKDFSalt, s.cfg.KDFIterations)
	if err != nil {
		return nil, apperrors.Internal("failed to encrypt master key").WithCause(err)
	}
	joinerBlob, err := util.EncryptMasterKey(masterKey, password, joinerSalt, s.cfg.KDFIterations)
	if err != nil {
		return nil, apperrors.Internal("failed to encrypt master key").WithCause(err)
	}

	joinerHash, err := s.hashPassword(password)
	if err != nil {
		return nil, apperrors.Internal("failed to hash password").WithCause(err)
	}

	result, err := s.store.CreatePair(ctx, model.CreatePairParams{
		Creator: model.PairMember{
			Nick:               invite.CreatorNick,
			HashedPassword:     invite.CreatorPasswordHash,
			EncryptedMasterKey: creatorBlob,
			KDFSalt:            invite.CreatorKDFSalt,
		},
		Joiner: model.PairMember{
			Nick:               nick,
			HashedPassword:     joinerHash,
			EncryptedMasterKey: joinerBlob,
			KDFSalt:            joinerSalt,
		},
	})

	var taken *repository.NicknameTakenError
	switch {
	case errors.As(err, &taken) && taken.Nick == nick:
		return nil, apperrors.Conflict(msgNicknameTaken)
	case errors.As(err, &taken):
		return nil, apperrors.Conflict(msgPartnerNicknameTaken)
	case err != nil:
		log.Error().Err(err).Msg("pair transaction failed")
		return nil, apperrors.Database(err)
	}
	return result, nil
}

func (s *PairingService) Login(ctx context.Context, sess *ClientSession, nickname, password string) (*AuthResult, error) {
	nick := util.NormalizeNickname(nickname)
	if nick == "" || password == "" {
		return nil, s.fail(sess, apperrors.ValidationError(msgCredentialsRequired))
	}

	user, err := s.store.FindUserByNick(ctx, nick)
	if err != nil {
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, s.fail(sess, apperrors.Database(err))
	}
	if user == nil || !util.CheckPasswordHash(password, user.HashedPassword) {
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		return nil, s.fail(sess, apperrors.AuthenticationFailed())
	}

	tok, exp, err := s.tokens.Issue(user.ID, user.PairID)
	if err != nil {
		return nil, s.fail(sess, apperrors.Internal("failed to issue session token").WithCause(err))
	}
	metrics.TokensIssuedTotal.WithLabelValues("login").Inc()
	metrics.LoginsTotal.WithLabelValues("success").Inc()

	s.signIn(sess, user.ID, user.PairID)
	s.publish(ctx, sess.Token(), events.TypeAuthChanged, AuthStatus{Authenticated: true, UserID: &user.ID, PairID: user.PairID})

	return &AuthResult{Token: tok, ExpiresAt: exp, UserID: user.ID, PairID: user.PairID, Redirect: feedPath}, nil
}

// CheckAuth verifies raw and refreshes the session's cached view. A nil
// session makes it a pure function of the token.
func (s *PairingService) CheckAuth(sess *ClientSession, raw string) AuthStatus {
	v := s.tokens.Verify(raw)

	status := AuthStatus{Authenticated: v.Authenticated()}
	if status.Authenticated {
		userID := v.UserID
		status.UserID = &userID
		status.PairID = v.PairID
	}

	if sess != nil {
		sess.Update(func(st *SessionState) {
			st.Authenticated = status.Authenticated
			st.UserID = status.UserID
			st.PairID = status.PairID
		})
	}
	return status
}

func (s *PairingService) Logout(ctx context.Context, sess *ClientSession) {
	sess.Update(func(st *SessionState) {
		st.Authenticated = false
		st.UserID = nil
		st.PairID = nil
		st.PendingToken = ""
		st.PendingExpiry = time.Time{}
		st.Redirect = ""
	})
	s.publish(ctx, sess.Token(), events.TypeAuthChanged, AuthStatus{})
}

func (s *PairingService) signIn(sess *ClientSession, userID int64, pairID *int64) {
	sess.Update(func(st *SessionState) {
		s.clearForm(st)
		st.Authenticated = true
		st.UserID = &userID
		st.PairID = pairID
		st.Modal = model.ModalNone
		st.ModalVisible = false
		st.Redirect = feedPath
	})
}

// clearForm must be called with the session locked.
func (s *PairingService) clearForm(st *SessionState) {
	if st.GeneratedCode != "" {
		s.registry.Consume(st.GeneratedCode)
	}
	st.GeneratedCode = ""
	st.CreatorHash = ""
	st.Username = ""
	st.TimeLeft = 0
	st.PollingActive = false
	st.Error = ""
}

func (s *PairingService) checkLimit(ctx context.Context, identity string) error {
	if s.limiter == nil {
		return nil
	}
	res := s.limiter.Check(ctx, identity)
	if res.Allowed {
		return nil
	}
	metrics.RateLimitRejectionsTotal.Inc()
	log.Warn().
		Str("identity", identity).
		Int("waitMinutes", res.WaitMinutes).
		Msg("pairing attempt rate limited")
	return apperrors.RateLimitExceeded(res.WaitMinutes)
}

func (s *PairingService) hashPassword(password string) (string, error) {
	if s.cfg.StrongHashes {
		return util.HashPasswordBcrypt(password)
	}
	return util.HashPassword(password), nil
}

// fail records the user-facing message on the session and returns err.
func (s *PairingService) fail(sess *ClientSession, err error) error {
	msg := "Something went wrong. Please try again."
	if appErr, ok := apperrors.AsAppError(err); ok && appErr.Code != apperrors.ErrCodeInternal && appErr.Code != apperrors.ErrCodeDatabase {
		msg = appErr.Message
	}
	sess.Update(func(st *SessionState) {
		st.Error = msg
	})
	return err
}

func (s *PairingService) publish(ctx context.Context, clientToken, eventType string, payload any) {
	if s.events == nil {
		return
	}
	ev, err := events.New(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("failed to encode event")
		return
	}
	if err := s.events.Publish(ctx, clientToken, ev); err != nil {
		log.Warn().Err(err).Str("eventType", eventType).Msg("failed to publish event")
	}
}

func validateCredentials(nick, password, confirm string) error {
	if msg := util.ValidateNickname(nick); msg != "" {
		return apperrors.ValidationError(msg)
	}
	if msg := util.ValidateNewPassword(password, confirm); msg != "" {
		return apperrors.ValidationError(msg)
	}
	return nil
}
