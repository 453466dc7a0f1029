package model

import (
	"time"
)

// InviteCode lives only in process memory. CreatorPassword is held until the
// code is consumed so the creator's master key blob can be sealed at join time.
type InviteCode struct {
	Code                string
	CreatorNick         string
	CreatorPasswordHash string
	CreatorPassword     string
	CreatorKDFSalt      []byte
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

func (c *InviteCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Wipe clears the transient plaintext password.
func (c *InviteCode) Wipe() {
	c.CreatorPassword = ""
}
