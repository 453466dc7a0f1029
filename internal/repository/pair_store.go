package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/MikeHonkers/mementonos/internal/database"
	"github.com/MikeHonkers/mementonos/internal/model"
)

// PairStore is the persistence boundary used by the pairing flow. CreatePair
// writes both users, the pair row and both master key blobs in one
// transaction.
type PairStore struct {
	db    *database.DB
	users UserRepository
	pairs PairRepository
}

func NewPairStore(db *database.DB) *PairStore {
	return &PairStore{
		db:    db,
		users: NewUserRepository(db.DB),
		pairs: NewPairRepository(db.DB),
	}
}

func (s *PairStore) FindUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.users.FindByID(ctx, id)
}

func (s *PairStore) FindUserByNick(ctx context.Context, nick string) (*model.User, error) {
	return s.users.FindByNick(ctx, nick)
}

func (s *PairStore) FindPairByID(ctx context.Context, id int64) (*model.Pair, error) {
	return s.pairs.FindByID(ctx, id)
}

// CreatePair fails with *NicknameTakenError, without writing anything, when
// either nickname is already in use. Joiner is checked first.
func (s *PairStore) CreatePair(ctx context.Context, params model.CreatePairParams) (*model.PairResult, error) {
	var result model.PairResult

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		users := s.users.WithTx(tx)
		pairs := s.pairs.WithTx(tx)

		for _, nick := range []string{params.Joiner.Nick, params.Creator.Nick} {
			existing, err := users.FindByNick(ctx, nick)
			if err != nil {
				return fmt.Errorf("check nickname: %w", err)
			}
			if existing != nil {
				return &NicknameTakenError{Nick: nick}
			}
		}

		joiner, err := users.Create(ctx, model.CreateUserParams{
			Nick:           params.Joiner.Nick,
			HashedPassword: params.Joiner.HashedPassword,
		})
		if err != nil {
			return fmt.Errorf("create joiner: %w", err)
		}

		creator, err := users.Create(ctx, model.CreateUserParams{
			Nick:           params.Creator.Nick,
			HashedPassword: params.Creator.HashedPassword,
		})
		if err != nil {
			return fmt.Errorf("create creator: %w", err)
		}

		pair, err := pairs.Create(ctx, creator.ID, joiner.ID)
		if err != nil {
			return fmt.Errorf("create pair: %w", err)
		}

		if err := users.AttachToPair(ctx, creator.ID, pair.ID, params.Creator.EncryptedMasterKey, params.Creator.KDFSalt); err != nil {
			return fmt.Errorf("attach creator: %w", err)
		}
		if err := users.AttachToPair(ctx, joiner.ID, pair.ID, params.Joiner.EncryptedMasterKey, params.Joiner.KDFSalt); err != nil {
			return fmt.Errorf("attach joiner: %w", err)
		}

		for _, u := range []*model.User{creator, joiner} {
			u.PairID = &pair.ID
		}
		creator.EncryptedMasterKey, creator.KDFSalt = params.Creator.EncryptedMasterKey, params.Creator.KDFSalt
		joiner.EncryptedMasterKey, joiner.KDFSalt = params.Joiner.EncryptedMasterKey, params.Joiner.KDFSalt

		result = model.PairResult{Pair: *pair, Creator: *creator, Joiner: *joiner}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}
