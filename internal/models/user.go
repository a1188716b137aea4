package models

import "time"

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

type User struct {
	BaseModel
	Email string `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	// Empty for accounts created through OAuth or magic link only.
	PasswordHash string    `json:"-" gorm:"type:text"`
	Name         string    `json:"name" gorm:"type:varchar(100)"`
	Role         UserRole  `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	Disabled     bool      `json:"-" gorm:"not null;default:false"`
	AvatarURL    *string   `json:"avatarURL,omitempty" gorm:"type:text"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}
