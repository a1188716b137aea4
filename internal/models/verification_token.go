package models

import "time"

// VerificationToken is the relational half of a magic-link issuance: the
// ephemeral OTP record in the cache references it by ID, and consuming the
// link redeems this row exactly once.
type VerificationToken struct {
	BaseModel
	Email     string     `json:"email" gorm:"type:varchar(255);index;not null"`
	ExpiresAt time.Time  `json:"expiresAt" gorm:"not null;index"`
	UsedAt    *time.Time `json:"-"`
}

func (t *VerificationToken) Usable(now time.Time) bool {
	return t.UsedAt == nil && t.ExpiresAt.After(now)
}
