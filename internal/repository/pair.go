package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/MikeHonkers/mementonos/internal/database"
	"github.com/MikeHonkers/mementonos/internal/model"
)

type PairRepository interface {
	FindByID(ctx context.Context, id int64) (*model.Pair, error)
	Create(ctx context.Context, user1ID, user2ID int64) (*model.Pair, error)
	WithTx(tx *sqlx.Tx) PairRepository
}

type pairRepo struct {
	db database.DBTX
}

func NewPairRepository(db *sqlx.DB) PairRepository {
	return &pairRepo{db: db}
}

func (r *pairRepo) WithTx(tx *sqlx.Tx) PairRepository {
	return &pairRepo{db: tx}
}

func (r *pairRepo) FindByID(ctx context.Context, id int64) (*model.Pair, error) {
	var pair model.Pair
	err := r.db.GetContext(ctx, &pair, `
		SELECT id, created_at, user1_id, user2_id FROM pairs WHERE id = $1
	`, id)
	return HandleNotFound(&pair, err)
}

func (r *pairRepo) Create(ctx context.Context, user1ID, user2ID int64) (*model.Pair, error) {
	var pair model.Pair
	err := r.db.GetContext(ctx, &pair, `
		INSERT INTO pairs (user1_id, user2_id)
		VALUES ($1, $2)
		RETURNING id, created_at, user1_id, user2_id
	`, user1ID, user2ID)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}
