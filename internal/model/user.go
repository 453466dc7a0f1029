package model

import (
	"time"
)

type User struct {
	ID                 int64     `db:"id" json:"id"`
	Nick               string    `db:"nick" json:"nick"`
	HashedPassword     string    `db:"hashed_pw" json:"-"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
	PairID             *int64    `db:"pair_id" json:"pairId,omitempty"`
	EncryptedMasterKey []byte    `db:"encrypted_master_key" json:"-"`
	KDFSalt            []byte    `db:"kdf_salt" json:"-"`
}

func (u *User) IsPaired() bool {
	return u.PairID != nil
}

type CreateUserParams struct {
	Nick           string
	HashedPassword string
}

type Pair struct {
	ID        int64     `db:"id" json:"id"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	User1ID   int64     `db:"user1_id" json:"user1Id"`
	User2ID   int64     `db:"user2_id" json:"user2Id"`
}

// PartnerOf returns the other member's id.
func (p *Pair) PartnerOf(userID int64) int64 {
	if p.User1ID == userID {
		return p.User2ID
	}
	return p.User1ID
}

// PairMember is one side of a pair being created.
type PairMember struct {
	Nick               string
	HashedPassword     string
	EncryptedMasterKey []byte
	KDFSalt            []byte
}

// CreatePairParams describes both members of a new pair. Creator becomes
// user1 and Joiner user2.
type CreatePairParams struct {
	Creator PairMember
	Joiner  PairMember
}

type PairResult struct {
	Pair    Pair
	Creator User
	Joiner  User
}
