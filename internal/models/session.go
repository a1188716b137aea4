package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is one browser/device container. It can bind several signed-in
// accounts at once; each binding is a UserSession row.
type Session struct {
	ID        string     `json:"id" gorm:"type:varchar(64);primaryKey"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	UserSessions []UserSession `json:"-" gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// UserSession binds one account into a Session. Expiry slides forward on
// activity; see services.SessionService.RefreshIfNeeded.
type UserSession struct {
	BaseModel
	SessionID            string    `json:"sessionId" gorm:"type:varchar(64);index;not null"`
	UserID               uuid.UUID `json:"userId" gorm:"type:uuid;index;not null"`
	ExpiresAt            time.Time `json:"expiresAt" gorm:"not null;index"`
	SignInClientVersion  string    `json:"-" gorm:"type:varchar(32)"`
	RefreshClientVersion string    `json:"-" gorm:"type:varchar(32)"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

func (s *UserSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
