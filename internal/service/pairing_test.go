package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MikeHonkers/mementonos/internal/errors"
	"github.com/MikeHonkers/mementonos/internal/events"
	"github.com/MikeHonkers/mementonos/internal/model"
	"github.com/MikeHonkers/mementonos/internal/repository"
	"github.com/MikeHonkers/mementonos/internal/token"
	"github.com/MikeHonkers/mementonos/internal/util"
)

const testKDFIterations = 1000

// memoryPairStore mimics the transactional semantics of repository.PairStore.
type memoryPairStore struct {
	mu     sync.Mutex
	users  map[string]*model.User
	byID   map[int64]*model.User
	pairs  map[int64]*model.Pair
	nextID int64
	writes int
}

func newMemoryPairStore() *memoryPairStore {
	return &memoryPairStore{
		users: make(map[string]*model.User),
		byID:  make(map[int64]*model.User),
		pairs: make(map[int64]*model.Pair),
	}
}

func (s *memoryPairStore) FindUserByNick(_ context.Context, nick string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[nick]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *memoryPairStore) FindUserByID(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *memoryPairStore) FindPairByID(_ context.Context, id int64) (*model.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memoryPairStore) addUser(nick, hash string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	u := &model.User{ID: s.nextID, Nick: nick, HashedPassword: hash, CreatedAt: time.Now()}
	s.users[nick] = u
	s.byID[u.ID] = u
	return u
}

func (s *memoryPairStore) CreatePair(_ context.Context, params model.CreatePairParams) (*model.PairResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, nick := range []string{params.Joiner.Nick, params.Creator.Nick} {
		if _, ok := s.users[nick]; ok {
			return nil, &repository.NicknameTakenError{Nick: nick}
		}
	}

	newUser := func(m model.PairMember) *model.User {
		s.nextID++
		u := &model.User{
			ID:                 s.nextID,
			Nick:               m.Nick,
			HashedPassword:     m.HashedPassword,
			CreatedAt:          time.Now(),
			EncryptedMasterKey: m.EncryptedMasterKey,
			KDFSalt:            m.KDFSalt,
		}
		s.users[u.Nick] = u
		s.byID[u.ID] = u
		return u
	}

	joiner := newUser(params.Joiner)
	creator := newUser(params.Creator)

	s.nextID++
	pair := &model.Pair{ID: s.nextID, CreatedAt: time.Now(), User1ID: creator.ID, User2ID: joiner.ID}
	s.pairs[pair.ID] = pair
	creator.PairID = &pair.ID
	joiner.PairID = &pair.ID
	s.writes++

	return &model.PairResult{Pair: *pair, Creator: *creator, Joiner: *joiner}, nil
}

func (s *memoryPairStore) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

type mockPairStore struct {
	mock.Mock
}

func (m *mockPairStore) FindUserByNick(ctx context.Context, nick string) (*model.User, error) {
	args := m.Called(ctx, nick)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

func (m *mockPairStore) CreatePair(ctx context.Context, params model.CreatePairParams) (*model.PairResult, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PairResult), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, clientToken string, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]events.Event)
	}
	p.events[clientToken] = append(p.events[clientToken], ev)
	return nil
}

func (p *recordingPublisher) has(clientToken, eventType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events[clientToken] {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

type probeFunc func(string) bool

func (f probeFunc) IsAlive(clientToken string) bool { return f(clientToken) }

type recordingDirs struct {
	mu    sync.Mutex
	calls [][3]int64
	err   error
}

func (d *recordingDirs) EnsurePairDirs(pairID, creatorID, joinerID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, [3]int64{pairID, creatorID, joinerID})
	return d.err
}

type pairingFixture struct {
	svc      *PairingService
	store    *memoryPairStore
	tokens   *token.Manager
	events   *recordingPublisher
	sessions *SessionStore
}

func newPairingFixture(t *testing.T, tweak func(*PairingDeps, *PairingConfig)) *pairingFixture {
	t.Helper()

	store := newMemoryPairStore()
	tokens := token.NewManager("test-secret", 0)
	pub := &recordingPublisher{}

	cfg := DefaultPairingConfig()
	cfg.KDFIterations = testKDFIterations
	cfg.TickInterval = 5 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollTimeout = time.Second

	deps := PairingDeps{
		Store:    store,
		Registry: NewInviteRegistry(),
		Limiter:  NewMemoryAttemptLimiter(100, time.Minute),
		Tokens:   tokens,
		Events:   pub,
	}
	if tweak != nil {
		tweak(&deps, &cfg)
	}

	svc := NewPairingService(deps, cfg)
	t.Cleanup(svc.Close)

	return &pairingFixture{
		svc:      svc,
		store:    store,
		tokens:   tokens,
		events:   pub,
		sessions: NewSessionStore(time.Minute),
	}
}

func creatorInput(nick, password string) CreateCodeInput {
	return CreateCodeInput{Nickname: nick, Password: password, PasswordConfirm: password}
}

func joinInput(nick, password, code string) JoinInput {
	return JoinInput{Nickname: nick, Password: password, PasswordConfirm: password, Code: code}
}

func assertAppCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.GetCode(err), "unexpected error: %v", err)
}

func TestPairingService_GeneratePairCode(t *testing.T) {
	ctx := context.Background()

	t.Run("mints a code and starts both tasks", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		sess := f.sessions.Get("client-a")

		res, err := f.svc.GeneratePairCode(ctx, sess, "10.0.0.1", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		assert.True(t, util.IsValidInviteCode(res.Code))
		assert.Equal(t, 300, res.TimeLeft)

		invite, ok := f.svc.Registry().Lookup(res.Code)
		require.True(t, ok)
		assert.Equal(t, "alice", invite.CreatorNick)
		assert.Equal(t, util.HashPassword("secret1"), invite.CreatorPasswordHash)
		assert.Len(t, invite.CreatorKDFSalt, util.SaltSize)

		snap := sess.Snapshot()
		assert.Equal(t, model.PairingStateCodeGenerated, snap.State)
		assert.Equal(t, res.Code, snap.GeneratedCode)
		assert.True(t, snap.PollingActive)
		assert.Equal(t, 2, sess.RunningTasks())
		assert.True(t, f.events.has("client-a", events.TypeCodeGenerated))
	})

	t.Run("rejects invalid input without touching the registry", func(t *testing.T) {
		f := newPairingFixture(t, nil)

		cases := []struct {
			name string
			in   CreateCodeInput
		}{
			{"short nickname", creatorInput("al", "secret1")},
			{"short password", creatorInput("alice", "abc")},
			{"mismatched confirmation", CreateCodeInput{Nickname: "alice", Password: "secret1", PasswordConfirm: "secret2"}},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				sess := f.sessions.Get("client-" + tc.name)
				_, err := f.svc.GeneratePairCode(ctx, sess, "ip", tc.in)

				assertAppCode(t, err, apperrors.ErrCodeValidation)
				assert.Equal(t, 0, f.svc.Registry().Len())
				assert.Equal(t, 0, sess.RunningTasks())
				assert.NotEmpty(t, sess.Snapshot().Error)
			})
		}
	})

	t.Run("rejects a nickname that already exists", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		f.store.addUser("alice", util.HashPassword("x"))

		_, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("c"), "ip", creatorInput("alice", "secret1"))
		assertAppCode(t, err, apperrors.ErrCodeConflict)
	})

	t.Run("fourth attempt in the window is rate limited", func(t *testing.T) {
		f := newPairingFixture(t, func(d *PairingDeps, _ *PairingConfig) {
			d.Limiter = NewMemoryAttemptLimiter(3, 5*time.Minute)
		})
		sess := f.sessions.Get("c")

		for i := 0; i < 3; i++ {
			_, err := f.svc.GeneratePairCode(ctx, sess, "10.0.0.9", creatorInput("al", "x"))
			assertAppCode(t, err, apperrors.ErrCodeValidation)
		}

		_, err := f.svc.GeneratePairCode(ctx, sess, "10.0.0.9", creatorInput("alice", "secret1"))
		assertAppCode(t, err, apperrors.ErrCodeRateLimitExceeded)

		appErr, _ := apperrors.AsAppError(err)
		details := appErr.Details.(map[string]int)
		assert.GreaterOrEqual(t, details["waitMinutes"], 1)
		assert.Contains(t, sess.Snapshot().Error, "Too many attempts")
	})

	t.Run("regenerating drops the previous code and bumps the generation", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		sess := f.sessions.Get("c")

		first, err := f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)
		var gen1 uint64
		sess.View(func(st SessionState) { gen1 = st.TimerGen })

		second, err := f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)
		var gen2 uint64
		sess.View(func(st SessionState) { gen2 = st.TimerGen })

		_, ok := f.svc.Registry().Lookup(first.Code)
		assert.False(t, ok)
		_, ok = f.svc.Registry().Lookup(second.Code)
		assert.True(t, ok)
		assert.Equal(t, gen1+1, gen2)

		assert.Eventually(t, func() bool { return sess.RunningTasks() == 2 }, time.Second, 5*time.Millisecond)
	})
}

func TestPairingService_JoinPair(t *testing.T) {
	ctx := context.Background()

	t.Run("pairs creator and joiner exactly once", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		creator := f.sessions.Get("client-a")
		joiner := f.sessions.Get("client-b")

		code, err := f.svc.GeneratePairCode(ctx, creator, "ip-a", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		res, err := f.svc.JoinPair(ctx, joiner, "ip-b", joinInput("bob", "secret2", code.Code))
		require.NoError(t, err)

		alice, _ := f.store.FindUserByNick(ctx, "alice")
		bob, _ := f.store.FindUserByNick(ctx, "bob")
		require.NotNil(t, alice)
		require.NotNil(t, bob)
		require.NotNil(t, alice.PairID)
		assert.Equal(t, *alice.PairID, *bob.PairID)

		pair, _ := f.store.FindPairByID(ctx, *alice.PairID)
		assert.Equal(t, alice.ID, pair.User1ID)
		assert.Equal(t, bob.ID, pair.User2ID)

		v := f.tokens.Verify(res.Token)
		assert.True(t, v.Authenticated())
		assert.Equal(t, bob.ID, v.UserID)
		require.NotNil(t, v.PairID)
		assert.Equal(t, *alice.PairID, *v.PairID)
		assert.Equal(t, "/feed", res.Redirect)

		_, ok := f.svc.Registry().Lookup(code.Code)
		assert.False(t, ok)

		snap := joiner.Snapshot()
		assert.True(t, snap.Authenticated)
		assert.False(t, snap.ModalVisible)
		assert.Equal(t, model.PairingStatePaired, snap.State)

		_, err = f.svc.JoinPair(ctx, f.sessions.Get("client-c"), "ip-c", joinInput("carol", "secret3", code.Code))
		assertAppCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("both members unlock the same master key", func(t *testing.T) {
		f := newPairingFixture(t, nil)

		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)
		_, err = f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", code.Code))
		require.NoError(t, err)

		alice, _ := f.store.FindUserByNick(ctx, "alice")
		bob, _ := f.store.FindUserByNick(ctx, "bob")

		ka, err := util.DecryptMasterKey(alice.EncryptedMasterKey, "secret1", alice.KDFSalt, testKDFIterations)
		require.NoError(t, err)
		kb, err := util.DecryptMasterKey(bob.EncryptedMasterKey, "secret2", bob.KDFSalt, testKDFIterations)
		require.NoError(t, err)
		assert.Equal(t, ka, kb)
		assert.Len(t, ka, util.MasterKeySize)
		assert.NotEqual(t, alice.KDFSalt, bob.KDFSalt)

		_, err = util.DecryptMasterKey(alice.EncryptedMasterKey, "secret2", alice.KDFSalt, testKDFIterations)
		assert.ErrorIs(t, err, util.ErrAuthenticationFailure)
	})

	t.Run("accepts a lower case code with surrounding spaces", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		_, err = f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", "  "+strings.ToLower(code.Code)+" "))
		assert.NoError(t, err)
	})

	t.Run("unknown code is not found", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		_, err := f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", "ABCDEF"))
		assertAppCode(t, err, apperrors.ErrCodeNotFound)

		_, err = f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", "nope"))
		assertAppCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("expired code fails and is removed", func(t *testing.T) {
		clock := newTestClock()
		f := newPairingFixture(t, nil)
		f.svc.WithClock(clock.Now)

		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		clock.Advance(5*time.Minute + time.Second)
		_, err = f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", code.Code))
		assertAppCode(t, err, apperrors.ErrCodePairingExpired)
		assert.Equal(t, 0, f.svc.Registry().Len())
		assert.Equal(t, 0, f.store.userCount())
	})

	t.Run("joining as the creator's nickname conflicts without writes", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		_, err = f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("alice", "secret2", code.Code))
		assertAppCode(t, err, apperrors.ErrCodeConflict)
		assert.Equal(t, 0, f.store.writes)
		assert.Equal(t, 0, f.store.userCount())

		_, err = f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", code.Code))
		assert.NoError(t, err, "code should survive a failed join")
	})

	t.Run("creator nickname claimed meanwhile reports the partner conflict", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)
		f.store.addUser("alice", util.HashPassword("other"))

		_, err = f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", code.Code))
		assertAppCode(t, err, apperrors.ErrCodeConflict)
		assert.Contains(t, err.Error(), "Partner")
		assert.Equal(t, 0, f.store.writes)
	})

	t.Run("taken joiner nickname reports the joiner conflict", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		f.store.addUser("bob", util.HashPassword("other"))
		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		_, err = f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", code.Code))
		assertAppCode(t, err, apperrors.ErrCodeConflict)
		assert.NotContains(t, err.Error(), "Partner")
	})

	t.Run("persistence failure surfaces generically and releases the code", func(t *testing.T) {
		store := &mockPairStore{}
		store.On("FindUserByNick", mock.Anything, "alice").Return(nil, nil)
		store.On("CreatePair", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

		f := newPairingFixture(t, func(d *PairingDeps, _ *PairingConfig) { d.Store = store })
		sess := f.sessions.Get("b")

		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		_, err = f.svc.JoinPair(ctx, sess, "ip", joinInput("bob", "secret2", code.Code))
		assertAppCode(t, err, apperrors.ErrCodeDatabase)
		assert.NotContains(t, sess.Snapshot().Error, "connection reset")

		_, ok := f.svc.Registry().Lookup(code.Code)
		assert.True(t, ok)
		store.AssertExpectations(t)
	})

	t.Run("concurrent joins redeem a code once", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for _, nick := range []string{"bob", "carol", "dave", "erin"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.svc.JoinPair(ctx, f.sessions.Get("client-"+nick), "ip-"+nick, joinInput(nick, "secret2", code.Code)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, 1, f.store.writes)
	})

	t.Run("provisions pair directories after commit", func(t *testing.T) {
		dirs := &recordingDirs{err: errors.New("disk full")}
		f := newPairingFixture(t, func(d *PairingDeps, _ *PairingConfig) { d.Dirs = dirs })

		code, err := f.svc.GeneratePairCode(ctx, f.sessions.Get("a"), "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)
		res, err := f.svc.JoinPair(ctx, f.sessions.Get("b"), "ip", joinInput("bob", "secret2", code.Code))
		require.NoError(t, err, "directory failure must not fail the join")

		alice, _ := f.store.FindUserByNick(ctx, "alice")
		require.Len(t, dirs.calls, 1)
		assert.Equal(t, [3]int64{*res.PairID, alice.ID, res.UserID}, dirs.calls[0])
	})
}

func TestPairingService_SessionPoller(t *testing.T) {
	ctx := context.Background()

	t.Run("signs the creator in after the partner joins", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		creator := f.sessions.Get("client-a")

		code, err := f.svc.GeneratePairCode(ctx, creator, "ip-a", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		joined, err := f.svc.JoinPair(ctx, f.sessions.Get("client-b"), "ip-b", joinInput("bob", "secret2", code.Code))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return creator.Snapshot().Authenticated
		}, 2*time.Second, 5*time.Millisecond)

		snap := creator.Snapshot()
		assert.False(t, snap.PollingActive)
		assert.False(t, snap.ModalVisible)
		assert.Equal(t, "/feed", snap.Redirect)
		assert.Empty(t, snap.GeneratedCode)

		raw, _, ok := creator.TakePendingToken()
		require.True(t, ok)
		v := f.tokens.Verify(raw)
		alice, _ := f.store.FindUserByNick(ctx, "alice")
		assert.Equal(t, alice.ID, v.UserID)
		require.NotNil(t, v.PairID)
		assert.Equal(t, *joined.PairID, *v.PairID)

		_, _, again := creator.TakePendingToken()
		assert.False(t, again)

		assert.True(t, f.events.has("client-a", events.TypePaired))
		assert.Eventually(t, func() bool { return creator.RunningTasks() == 0 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("a rival code for the same nickname is not signed in", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		rival := f.sessions.Get("client-rival")
		owner := f.sessions.Get("client-owner")

		_, err := f.svc.GeneratePairCode(ctx, rival, "ip-r", creatorInput("alice", "otherpw1"))
		require.NoError(t, err)
		code, err := f.svc.GeneratePairCode(ctx, owner, "ip-o", creatorInput("alice", "realsecret"))
		require.NoError(t, err)

		_, err = f.svc.JoinPair(ctx, f.sessions.Get("client-b"), "ip-b", joinInput("bob", "secret2", code.Code))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return owner.Snapshot().Authenticated
		}, 2*time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool {
			return rival.RunningTasks() == 0
		}, 2*time.Second, 5*time.Millisecond)

		snap := rival.Snapshot()
		assert.False(t, snap.Authenticated)
		assert.Nil(t, snap.UserID)
		assert.False(t, snap.PollingActive)
		assert.Empty(t, snap.GeneratedCode)
		assert.Equal(t, "Nickname already taken", snap.Error)

		_, _, ok := rival.TakePendingToken()
		assert.False(t, ok)
		assert.False(t, f.events.has("client-rival", events.TypePaired))
		assert.Equal(t, 0, f.svc.Registry().Len())
	})

	t.Run("cancel stops the poller", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		sess := f.sessions.Get("a")

		code, err := f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		f.svc.CloseModal(ctx, sess)

		_, ok := f.svc.Registry().Lookup(code.Code)
		assert.False(t, ok)
		assert.False(t, sess.Snapshot().PollingActive)
		assert.Eventually(t, func() bool { return sess.RunningTasks() == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.True(t, f.events.has("a", events.TypeModalClosed))
	})

	t.Run("disconnected client stops both tasks", func(t *testing.T) {
		alive := true
		var mu sync.Mutex
		f := newPairingFixture(t, func(d *PairingDeps, _ *PairingConfig) {
			d.Probe = probeFunc(func(string) bool {
				mu.Lock()
				defer mu.Unlock()
				return alive
			})
		})
		sess := f.sessions.Get("a")

		_, err := f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		mu.Lock()
		alive = false
		mu.Unlock()

		assert.Eventually(t, func() bool { return sess.RunningTasks() == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.False(t, sess.Snapshot().PollingActive)
	})

	t.Run("lookup failure ends polling cleanly", func(t *testing.T) {
		store := &mockPairStore{}
		store.On("FindUserByNick", mock.Anything, "alice").Return(nil, nil).Once()
		store.On("FindUserByNick", mock.Anything, "alice").Return(nil, errors.New("db down"))

		f := newPairingFixture(t, func(d *PairingDeps, _ *PairingConfig) { d.Store = store })
		sess := f.sessions.Get("a")

		_, err := f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return !sess.Snapshot().PollingActive }, 2*time.Second, 5*time.Millisecond)
	})
}

func TestPairingService_Countdown(t *testing.T) {
	ctx := context.Background()

	t.Run("counts down to zero and stops", func(t *testing.T) {
		f := newPairingFixture(t, func(_ *PairingDeps, c *PairingConfig) { c.InviteTTL = 3 * time.Second })
		sess := f.sessions.Get("a")

		_, err := f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return sess.Snapshot().TimeLeft == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, "00:00", sess.Snapshot().TimeLeftStr)
		assert.True(t, f.events.has("a", events.TypeCountdown))
	})

	t.Run("a superseded countdown leaves the new one alone", func(t *testing.T) {
		f := newPairingFixture(t, func(_ *PairingDeps, c *PairingConfig) { c.TickInterval = time.Hour })
		sess := f.sessions.Get("a")

		_, err := f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)
		_, err = f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return sess.Snapshot().TimeLeft == 299 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 299, sess.Snapshot().TimeLeft)
	})
}

func TestPairingService_Login(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a token naming user and pair", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		u := f.store.addUser("alice", util.HashPassword("secret1"))
		pairID := int64(77)
		u.PairID = &pairID
		sess := f.sessions.Get("a")

		res, err := f.svc.Login(ctx, sess, " alice ", "secret1")
		require.NoError(t, err)

		v := f.tokens.Verify(res.Token)
		assert.Equal(t, u.ID, v.UserID)
		require.NotNil(t, v.PairID)
		assert.Equal(t, pairID, *v.PairID)
		assert.True(t, sess.Snapshot().Authenticated)
		assert.True(t, f.events.has("a", events.TypeAuthChanged))
	})

	t.Run("unpaired user gets no pair claim", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		f.store.addUser("alice", util.HashPassword("secret1"))

		res, err := f.svc.Login(ctx, f.sessions.Get("a"), "alice", "secret1")
		require.NoError(t, err)
		assert.Nil(t, f.tokens.Verify(res.Token).PairID)
	})

	t.Run("accepts bcrypt hashes", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		hash, err := util.HashPasswordBcrypt("secret1")
		require.NoError(t, err)
		f.store.addUser("alice", hash)

		_, err = f.svc.Login(ctx, f.sessions.Get("a"), "alice", "secret1")
		assert.NoError(t, err)
	})

	t.Run("unknown user and wrong password are indistinguishable", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		f.store.addUser("alice", util.HashPassword("secret1"))

		_, errWrong := f.svc.Login(ctx, f.sessions.Get("a"), "alice", "nope")
		_, errMissing := f.svc.Login(ctx, f.sessions.Get("a"), "mallory", "nope")

		assertAppCode(t, errWrong, apperrors.ErrCodeAuthenticationFailed)
		assertAppCode(t, errMissing, apperrors.ErrCodeAuthenticationFailed)
		assert.Equal(t, errWrong.Error(), errMissing.Error())
	})

	t.Run("requires both fields", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		_, err := f.svc.Login(ctx, f.sessions.Get("a"), "", "x")
		assertAppCode(t, err, apperrors.ErrCodeValidation)
		_, err = f.svc.Login(ctx, f.sessions.Get("a"), "alice", "")
		assertAppCode(t, err, apperrors.ErrCodeValidation)
	})
}

func TestPairingService_CheckAuth(t *testing.T) {
	t.Run("valid token authenticates and refreshes the cache", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		pairID := int64(5)
		raw, _, err := f.tokens.Issue(42, &pairID)
		require.NoError(t, err)
		sess := f.sessions.Get("a")

		status := f.svc.CheckAuth(sess, raw)
		assert.True(t, status.Authenticated)
		assert.Equal(t, int64(42), *status.UserID)
		assert.Equal(t, int64(5), *status.PairID)
		assert.True(t, sess.Snapshot().Authenticated)

		assert.Equal(t, status, f.svc.CheckAuth(nil, raw))
	})

	t.Run("invalid tokens degrade to anonymous", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		sess := f.sessions.Get("a")
		sess.Update(func(st *SessionState) { st.Authenticated = true })

		for _, raw := range []string{"", "garbage", "a.b.c"} {
			status := f.svc.CheckAuth(sess, raw)
			assert.False(t, status.Authenticated)
			assert.Nil(t, status.UserID)
		}
		assert.False(t, sess.Snapshot().Authenticated)
	})

	t.Run("logout clears the cached view", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		raw, _, _ := f.tokens.Issue(42, nil)
		sess := f.sessions.Get("a")
		f.svc.CheckAuth(sess, raw)

		f.svc.Logout(context.Background(), sess)
		assert.False(t, sess.Snapshot().Authenticated)
		assert.Nil(t, sess.Snapshot().UserID)
	})
}

func TestPairingService_OpenModal(t *testing.T) {
	ctx := context.Background()

	t.Run("switching modals clears a generated code", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		sess := f.sessions.Get("a")

		code, err := f.svc.GeneratePairCode(ctx, sess, "ip", creatorInput("alice", "secret1"))
		require.NoError(t, err)

		require.NoError(t, f.svc.OpenModal(ctx, sess, model.ModalFindPair))

		snap := sess.Snapshot()
		assert.Equal(t, model.PairingStateAwaitingJoinerInput, snap.State)
		assert.Empty(t, snap.GeneratedCode)
		_, ok := f.svc.Registry().Lookup(code.Code)
		assert.False(t, ok)
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		err := f.svc.OpenModal(ctx, f.sessions.Get("a"), model.ModalKind("settings"))
		assertAppCode(t, err, apperrors.ErrCodeValidation)
	})

	t.Run("create pair modal awaits creator input", func(t *testing.T) {
		f := newPairingFixture(t, nil)
		sess := f.sessions.Get("a")
		require.NoError(t, f.svc.OpenModal(ctx, sess, model.ModalCreatePair))
		assert.Equal(t, model.PairingStateAwaitingCreatorInput, sess.Snapshot().State)
	})
}
