package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/MikeHonkers/mementonos/internal/database"
	"github.com/MikeHonkers/mementonos/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*model.User, error)
	FindByNick(ctx context.Context, nick string) (*model.User, error)
	Create(ctx context.Context, params model.CreateUserParams) (*model.User, error)
	AttachToPair(ctx context.Context, userID, pairID int64, encryptedMasterKey, kdfSalt []byte) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) UserRepository
}

const userColumns = `id, nick, hashed_pw, created_at, pair_id, encrypted_master_key, kdf_salt`

type userRepo struct {
	db database.DBTX
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) WithTx(tx *sqlx.Tx) UserRepository {
	return &userRepo{db: tx}
}

func (r *userRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT `+userColumns+` FROM users WHERE id = $1
	`, id)
	return HandleNotFound(&user, err)
}

func (r *userRepo) FindByNick(ctx context.Context, nick string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT `+userColumns+` FROM users WHERE nick = $1
	`, nick)
	return HandleNotFound(&user, err)
}

// Create inserts a user. A concurrent insert of the same nickname surfaces as
// *NicknameTakenError.
func (r *userRepo) Create(ctx context.Context, params model.CreateUserParams) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		INSERT INTO users (nick, hashed_pw)
		VALUES ($1, $2)
		RETURNING `+userColumns+`
	`, params.Nick, params.HashedPassword)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &NicknameTakenError{Nick: params.Nick}
		}
		return nil, err
	}
	return &user, nil
}

func (r *userRepo) AttachToPair(ctx context.Context, userID, pairID int64, encryptedMasterKey, kdfSalt []byte) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			pair_id = $2,
			encrypted_master_key = $3,
			kdf_salt = $4
		WHERE id = $1 AND pair_id IS NULL
	`, userID, pairID, encryptedMasterKey, kdfSalt)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}
