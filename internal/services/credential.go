package services

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/affine/identity/internal/models"
	"github.com/affine/identity/pkg/logger"
	"github.com/affine/identity/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CredentialService checks email/password pairs. It never distinguishes an
// unknown email from a bad password in its returned errors.
type CredentialService struct {
	DB *gorm.DB
}

func NewCredentialService(db *gorm.DB) *CredentialService {
	return &CredentialService{DB: db}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func (s *CredentialService) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).
		Where("lower(email) = ?", NormalizeEmail(email)).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// SignIn verifies a password sign-in attempt. Accounts without a stored
// password hash get a distinct failure pointing the user at their original
// sign-in method.
func (s *CredentialService) SignIn(ctx context.Context, email, password string) (*models.User, error) {
	user, err := s.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWrongSignInCredentials
		}
		return nil, err
	}

	if user.Disabled {
		return nil, ErrWrongSignInCredentials
	}

	if !user.HasPassword() {
		return nil, ErrWrongSignInMethod
	}

	if !utils.CheckPassword(password, user.PasswordHash) {
		logger.Warn("sign_in_wrong_password", map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return nil, ErrWrongSignInCredentials
	}

	return user, nil
}

func (s *CredentialService) ChangePassword(ctx context.Context, userID uuid.UUID, newPassword string) error {
	hash, err := utils.HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("password_hash", hash).Error
}

func (s *CredentialService) ChangeEmail(ctx context.Context, userID uuid.UUID, newEmail string) error {
	if !ValidEmail(newEmail) {
		return ErrInvalidEmail
	}
	return s.DB.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("email", NormalizeEmail(newEmail)).Error
}
