package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/MikeHonkers/mementonos/internal/errors"
	"github.com/MikeHonkers/mementonos/internal/model"
	"github.com/MikeHonkers/mementonos/internal/util"
)

type AccountStore interface {
	FindUserByID(ctx context.Context, id int64) (*model.User, error)
	FindPairByID(ctx context.Context, id int64) (*model.Pair, error)
}

type Profile struct {
	ID          int64     `json:"id"`
	Nick        string    `json:"nick"`
	CreatedAt   time.Time `json:"createdAt"`
	PairID      *int64    `json:"pairId,omitempty"`
	PartnerID   *int64    `json:"partnerId,omitempty"`
	PartnerNick string    `json:"partnerNick,omitempty"`
}

type AccountService struct {
	store         AccountStore
	kdfIterations int
}

func NewAccountService(store AccountStore, kdfIterations int) *AccountService {
	return &AccountService{store: store, kdfIterations: kdfIterations}
}

func (s *AccountService) Profile(ctx context.Context, userID int64) (*Profile, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &Profile{ID: user.ID, Nick: user.Nick, CreatedAt: user.CreatedAt, PairID: user.PairID}
	if !user.IsPaired() {
		return p, nil
	}

	pair, err := s.store.FindPairByID(ctx, *user.PairID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if pair == nil {
		return p, nil
	}

	partnerID := pair.PartnerOf(user.ID)
	partner, err := s.store.FindUserByID(ctx, partnerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	p.PartnerID = &partnerID
	if partner != nil {
		p.PartnerNick = partner.Nick
	}
	return p, nil
}

// UnlockMasterKey decrypts the caller's copy of the pair master key and
// returns its SHA-256 fingerprint. The key itself never leaves this method.
func (s *AccountService) UnlockMasterKey(ctx context.Context, userID int64, password string) (string, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(user.EncryptedMasterKey) == 0 || len(user.KDFSalt) == 0 {
		return "", apperrors.NotFound("Master key")
	}

	key, err := util.DecryptMasterKey(user.EncryptedMasterKey, password, user.KDFSalt, s.kdfIterations)
	if errors.Is(err, util.ErrAuthenticationFailure) {
		log.Warn().Int64("userId", userID).Msg("master key unlock failed")
		return "", apperrors.AuthenticationFailed()
	}
	if err != nil {
		return "", apperrors.Internal("failed to decrypt master key").WithCause(err)
	}
	defer clear(key)

	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:]), nil
}

func (s *AccountService) findUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.NotFound("User")
	}
	return user, nil
}
