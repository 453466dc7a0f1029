// Package token issues and verifies the signed session tokens carried in the
// mementonos_token cookie. Tokens are stateless HS256 JWTs; nothing is stored
// server side.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	CookieName = "mementonos_token"
	DefaultTTL = 14 * 24 * time.Hour

	// noPair is written to the pair claim for users that are not paired yet.
	noPair = "None"
)

// Status is the outcome of Verify. Only StatusValid means authenticated;
// the other values exist so callers can log why a token was rejected.
type Status int

const (
	StatusValid Status = iota
	StatusMissing
	StatusExpired
	StatusBadSignature
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusMissing:
		return "missing"
	case StatusExpired:
		return "expired"
	case StatusBadSignature:
		return "bad_signature"
	case StatusMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type Claims struct {
	Pair string `json:"pair"`
	jwt.RegisteredClaims
}

type Verification struct {
	Status Status
	UserID int64
	PairID *int64
}

func (v Verification) Authenticated() bool {
	return v.Status == StatusValid
}

type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the time source used for both issuing and verifying.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Issue signs a token for userID. pairID may be nil for unpaired users.
func (m *Manager) Issue(userID int64, pairID *int64) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)

	pair := noPair
	if pairID != nil {
		pair = strconv.FormatInt(*pairID, 10)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Pair: pair,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify never returns an error. An empty token yields StatusMissing.
func (m *Manager) Verify(raw string) Verification {
	if raw == "" {
		return Verification{Status: StatusMissing}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		status := classify(err)
		log.Warn().Str("status", status.String()).Err(err).Msg("session token rejected")
		return Verification{Status: status}
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		log.Warn().Str("sub", claims.Subject).Msg("session token has non-numeric subject")
		return Verification{Status: StatusMalformed}
	}

	v := Verification{Status: StatusValid, UserID: userID}
	if claims.Pair != "" && claims.Pair != noPair {
		pairID, err := strconv.ParseInt(claims.Pair, 10, 64)
		if err != nil {
			log.Warn().Str("pair", claims.Pair).Msg("session token has non-numeric pair")
			return Verification{Status: StatusMalformed}
		}
		v.PairID = &pairID
	}
	return v
}

func classify(err error) Status {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return StatusExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return StatusBadSignature
	default:
		return StatusMalformed
	}
}
