package service

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MikeHonkers/mementonos/internal/model"
	"github.com/MikeHonkers/mementonos/internal/util"
)

const (
	inviteCodeBytes     = 3
	maxCodeMintAttempts = 10
)

var (
	ErrCodeExists    = errors.New("invite code already exists")
	ErrCodeNotFound  = errors.New("invite code not found")
	ErrInviteExpired = errors.New("invite code expired")
)

// InviteRegistry holds outstanding invite codes in memory. Expiry is lazy:
// nothing sweeps the map, an expired code is removed when a join attempt
// finds it, when its creator cancels, or when the creator mints a new one.
//
// A join reserves the code for the duration of its transaction so that two
// concurrent joins cannot both redeem it.
type InviteRegistry struct {
	mu       sync.Mutex
	live     map[string]*model.InviteCode
	reserved map[string]*model.InviteCode
}

func NewInviteRegistry() *InviteRegistry {
	return &InviteRegistry{
		live:     make(map[string]*model.InviteCode),
		reserved: make(map[string]*model.InviteCode),
	}
}

// GenerateInviteCode returns 6 upper-case hex characters (24 bits).
func GenerateInviteCode() (string, error) {
	s, err := util.RandomHex(inviteCodeBytes)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(s), nil
}

// Create inserts code. A live or reserved entry with the same value is never
// overwritten; an expired live entry is.
func (r *InviteRegistry) Create(code *model.InviteCode, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reserved[code.Code]; ok {
		return ErrCodeExists
	}
	if existing, ok := r.live[code.Code]; ok && !existing.IsExpired(now) {
		return ErrCodeExists
	}

	r.live[code.Code] = code
	return nil
}

// Lookup returns a copy of the live entry.
func (r *InviteRegistry) Lookup(code string) (model.InviteCode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ic, ok := r.live[code]
	if !ok {
		return model.InviteCode{}, false
	}
	return *ic, true
}

// Consume removes code whether it is live or reserved.
func (r *InviteRegistry) Consume(code string) bool {
	if code == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ic, live := r.live[code]
	_, reserved := r.reserved[code]
	if live {
		ic.Wipe()
	}
	delete(r.live, code)
	if reserved {
		r.reserved[code].Wipe()
		delete(r.reserved, code)
	}
	return live || reserved
}

func (r *InviteRegistry) IsExpired(code *model.InviteCode, now time.Time) bool {
	return code.IsExpired(now)
}

// Reserve moves a live code aside for a join attempt. An expired code is
// deleted and ErrInviteExpired returned.
func (r *InviteRegistry) Reserve(code string, now time.Time) (model.InviteCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ic, ok := r.live[code]
	if !ok {
		return model.InviteCode{}, ErrCodeNotFound
	}

	delete(r.live, code)
	if r.IsExpired(ic, now) {
		ic.Wipe()
		return model.InviteCode{}, ErrInviteExpired
	}

	r.reserved[code] = ic
	return *ic, nil
}

// Release returns a reserved code to the live set after a failed join. It is
// a no-op if the code was consumed in the meantime.
func (r *InviteRegistry) Release(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ic, ok := r.reserved[code]; ok {
		delete(r.reserved, code)
		r.live[code] = ic
	}
}

func (r *InviteRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live) + len(r.reserved)
}
