package service

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MikeHonkers/mementonos/internal/model"
)

// SessionState is the mutable per-browser state. It is only ever touched
// through ClientSession.Update or ClientSession.View, which hold the session
// mutex, so request handlers and the background tasks never interleave.
type SessionState struct {
	Modal         model.ModalKind
	ModalVisible  bool
	Username      string
	GeneratedCode string
	// CreatorHash is the password hash stored with GeneratedCode. The poller
	// only signs in a creator whose user row carries this exact hash.
	CreatorHash   string
	TimeLeft      int
	TimerGen      uint64
	PollingActive bool
	Authenticated bool
	UserID        *int64
	PairID        *int64
	PendingToken  string
	PendingExpiry time.Time
	Error         string
	Redirect      string
}

func (st *SessionState) PairingState() model.PairingState {
	switch {
	case st.Authenticated && st.PairID != nil:
		return model.PairingStatePaired
	case st.ModalVisible && st.Modal == model.ModalCreatePair && st.GeneratedCode != "":
		return model.PairingStateCodeGenerated
	case st.ModalVisible && st.Modal == model.ModalCreatePair:
		return model.PairingStateAwaitingCreatorInput
	case st.ModalVisible && st.Modal == model.ModalFindPair:
		return model.PairingStateAwaitingJoinerInput
	default:
		return model.PairingStateIdle
	}
}

type SessionSnapshot struct {
	State         model.PairingState `json:"state"`
	Modal         model.ModalKind    `json:"modal,omitempty"`
	ModalVisible  bool               `json:"modalVisible"`
	GeneratedCode string             `json:"generatedCode,omitempty"`
	TimeLeft      int                `json:"timeLeft"`
	TimeLeftStr   string             `json:"timeLeftStr"`
	PollingActive bool               `json:"pollingActive"`
	Authenticated bool               `json:"authenticated"`
	UserID        *int64             `json:"userId,omitempty"`
	PairID        *int64             `json:"pairId,omitempty"`
	Error         string             `json:"error,omitempty"`
	Redirect      string             `json:"redirect,omitempty"`
}

// FormatTimeLeft renders seconds as MM:SS.
func FormatTimeLeft(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

type ClientSession struct {
	token    string
	mu       sync.Mutex
	state    SessionState
	lastSeen atomic.Int64
	tasks    atomic.Int32
}

func newClientSession(token string, now time.Time) *ClientSession {
	s := &ClientSession{token: token}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *ClientSession) Token() string {
	return s.token
}

func (s *ClientSession) Update(fn func(st *SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func (s *ClientSession) View(fn func(st SessionState)) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	fn(st)
}

func (s *ClientSession) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	return SessionSnapshot{
		State:         st.PairingState(),
		Modal:         st.Modal,
		ModalVisible:  st.ModalVisible,
		GeneratedCode: st.GeneratedCode,
		TimeLeft:      st.TimeLeft,
		TimeLeftStr:   FormatTimeLeft(st.TimeLeft),
		PollingActive: st.PollingActive,
		Authenticated: st.Authenticated,
		UserID:        st.UserID,
		PairID:        st.PairID,
		Error:         st.Error,
		Redirect:      st.Redirect,
	}
}

// TakePendingToken hands over a token issued by the background poller, once.
func (s *ClientSession) TakePendingToken() (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.PendingToken == "" {
		return "", time.Time{}, false
	}
	tok, exp := s.state.PendingToken, s.state.PendingExpiry
	s.state.PendingToken = ""
	s.state.PendingExpiry = time.Time{}
	return tok, exp, true
}

func (s *ClientSession) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *ClientSession) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *ClientSession) RunningTasks() int {
	return int(s.tasks.Load())
}

func (s *ClientSession) taskStarted() {
	s.tasks.Add(1)
}

func (s *ClientSession) taskDone() {
	s.tasks.Add(-1)
}

// SessionStore maps client tokens to their ClientSession.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*ClientSession
	seenTTL  time.Duration
	now      func() time.Time
	onEvict  func(*ClientSession)
}

// NewSessionStore creates a store whose IsAlive treats a client as connected
// for seenTTL after its last request.
func NewSessionStore(seenTTL time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*ClientSession),
		seenTTL:  seenTTL,
		now:      time.Now,
	}
}

func (s *SessionStore) WithClock(now func() time.Time) *SessionStore {
	s.now = now
	return s
}

// OnEvict registers fn to run for each session EvictIdle removes. It runs
// after the store lock is released.
func (s *SessionStore) OnEvict(fn func(*ClientSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Get returns the session for token, creating it on first use, and records activity.
func (s *SessionStore) Get(token string) *ClientSession {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		sess = newClientSession(token, now)
		s.sessions[token] = sess
	}
	sess.touch(now)
	return sess
}

func (s *SessionStore) Lookup(token string) (*ClientSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	return sess, ok
}

// IsAlive reports whether the client made a request recently.
func (s *SessionStore) IsAlive(token string) bool {
	sess, ok := s.Lookup(token)
	if !ok {
		return false
	}
	return s.now().Sub(sess.LastSeen()) < s.seenTTL
}

// EvictIdle drops sessions idle for longer than ttl that have no running
// background task, returning how many were removed.
func (s *SessionStore) EvictIdle(ttl time.Duration) int {
	now := s.now()

	s.mu.Lock()
	var evicted []*ClientSession
	for token, sess := range s.sessions {
		if sess.RunningTasks() > 0 {
			continue
		}
		if now.Sub(sess.LastSeen()) > ttl {
			delete(s.sessions, token)
			evicted = append(evicted, sess)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, sess := range evicted {
			onEvict(sess)
		}
	}
	return len(evicted)
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
