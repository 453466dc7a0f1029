package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNicknameTaken is matched with errors.Is; the concrete error is a
// *NicknameTakenError naming the nickname.
var ErrNicknameTaken = errors.New("nickname already taken")

type NicknameTakenError struct {
	Nick string
}

func (e *NicknameTakenError) Error() string {
	return fmt.Sprintf("nickname %q already taken", e.Nick)
}

func (e *NicknameTakenError) Unwrap() error {
	return ErrNicknameTaken
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// HandleNotFound processes a database query result, converting sql.ErrNoRows
// to a nil result without error. This is a common pattern for Find* operations
// where a missing row is not an error condition.
//
// Usage:
//
//	var item model.Item
//	err := r.db.GetContext(ctx, &item, query, args...)
//	return HandleNotFound(&item, err)
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
