package services

import (
	"context"
	"errors"
	"time"

	"github.com/affine/identity/internal/config"
	"github.com/affine/identity/internal/models"
	"github.com/affine/identity/pkg/logger"
	"github.com/affine/identity/pkg/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const sessionIDBytes = 32

// SessionService owns Session and UserSession records: multi-account
// binding, sliding refresh, sign-out, and bulk revocation.
type SessionService struct {
	DB  *gorm.DB
	Cfg config.AuthConfig
}

func NewSessionService(db *gorm.DB, cfg config.AuthConfig) *SessionService {
	return &SessionService{DB: db, Cfg: cfg}
}

// UserWithSession pairs one account with its binding inside a session.
type UserWithSession struct {
	User        models.User
	UserSession models.UserSession
}

func (s *SessionService) CreateSession(ctx context.Context) (*models.Session, error) {
	id, err := utils.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	session := &models.Session{ID: id, CreatedAt: time.Now()}
	if err := s.DB.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// sessionAlive reports whether the id is backed by at least one unexpired
// binding. An absent, fully signed-out, or all-expired session id is dead and
// must never be adopted for a fresh authentication (fixation defense).
func (s *SessionService) sessionAlive(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	var count int64
	err := s.DB.WithContext(ctx).
		Model(&models.UserSession{}).
		Where("session_id = ? AND expires_at > ?", sessionID, time.Now()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateUserSession binds userID into sessionID when that session is still
// live, otherwise mints a brand-new session. ttl of zero falls back to the
// configured session TTL.
func (s *SessionService) CreateUserSession(
	ctx context.Context,
	userID uuid.UUID,
	sessionID string,
	ttl time.Duration,
	clientVersion string,
) (*models.UserSession, error) {
	if ttl <= 0 {
		ttl = s.Cfg.SessionTTL
	}

	alive, err := s.sessionAlive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !alive {
		session, err := s.CreateSession(ctx)
		if err != nil {
			return nil, err
		}
		sessionID = session.ID
	}

	userSession := &models.UserSession{
		SessionID:           sessionID,
		UserID:              userID,
		ExpiresAt:           time.Now().Add(ttl),
		SignInClientVersion: clientVersion,
	}
	if err := s.DB.WithContext(ctx).Create(userSession).Error; err != nil {
		return nil, err
	}
	return userSession, nil
}

// GetUserSession resolves a session id to one account. With a userID it
// returns that account's binding; without one it falls back to the most
// recently created binding. Returns nil for expired or disabled sessions.
func (s *SessionService) GetUserSession(
	ctx context.Context,
	sessionID string,
	userID *uuid.UUID,
) (*UserWithSession, error) {
	bindings, err := s.GetUserSessions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(bindings) == 0 {
		return nil, nil
	}

	if userID != nil {
		for i := range bindings {
			if bindings[i].UserSession.UserID == *userID {
				return &bindings[i], nil
			}
		}
	}
	// Most recently created binding comes last.
	return &bindings[len(bindings)-1], nil
}

// GetUserSessions loads all live bindings of a session with their users,
// oldest first. Disabled accounts are filtered out.
func (s *SessionService) GetUserSessions(ctx context.Context, sessionID string) ([]UserWithSession, error) {
	if sessionID == "" {
		return nil, nil
	}

	var userSessions []models.UserSession
	err := s.DB.WithContext(ctx).
		Where("session_id = ? AND expires_at > ?", sessionID, time.Now()).
		Order("created_at ASC").
		Find(&userSessions).Error
	if err != nil {
		return nil, err
	}

	result := make([]UserWithSession, 0, len(userSessions))
	for _, us := range userSessions {
		var user models.User
		err := s.DB.WithContext(ctx).First(&user, "id = ?", us.UserID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		if user.Disabled {
			continue
		}
		result = append(result, UserWithSession{User: user, UserSession: us})
	}
	return result, nil
}

// SignOut removes one binding when userID is given, or the whole session
// with every binding otherwise. Removing the last binding also drops the
// session row so the id can never be revived.
func (s *SessionService) SignOut(ctx context.Context, sessionID string, userID *uuid.UUID) error {
	db := s.DB.WithContext(ctx)

	if userID == nil {
		if err := db.Where("session_id = ?", sessionID).Delete(&models.UserSession{}).Error; err != nil {
			return err
		}
		return db.Delete(&models.Session{}, "id = ?", sessionID).Error
	}

	err := db.Where("session_id = ? AND user_id = ?", sessionID, *userID).
		Delete(&models.UserSession{}).Error
	if err != nil {
		return err
	}

	var remaining int64
	if err := db.Model(&models.UserSession{}).Where("session_id = ?", sessionID).Count(&remaining).Error; err != nil {
		return err
	}
	if remaining == 0 {
		return db.Delete(&models.Session{}, "id = ?", sessionID).Error
	}
	return nil
}

// RefreshIfNeeded slides the binding's expiry forward, but only once the
// remaining lifetime has dropped below SessionTTL-RefreshThreshold. Skipping
// early refreshes keeps routine reads write-free. Returns the new expiry, or
// nil when no refresh happened.
func (s *SessionService) RefreshIfNeeded(
	ctx context.Context,
	userSession *models.UserSession,
	clientVersion string,
) (*time.Time, error) {
	now := time.Now()
	if userSession.Expired(now) {
		return nil, nil
	}

	threshold := s.Cfg.SessionTTL - s.Cfg.RefreshThreshold
	if threshold < 0 {
		threshold = 0
	}
	if userSession.ExpiresAt.Sub(now) > threshold {
		return nil, nil
	}

	newExpiry := now.Add(s.Cfg.SessionTTL)
	updates := map[string]interface{}{
		"expires_at":             newExpiry,
		"refresh_client_version": clientVersion,
	}
	err := s.DB.WithContext(ctx).
		Model(&models.UserSession{}).
		Where("id = ?", userSession.ID).
		Updates(updates).Error
	if err != nil {
		return nil, err
	}
	userSession.ExpiresAt = newExpiry
	userSession.RefreshClientVersion = clientVersion
	return &newExpiry, nil
}

// RevokeUser deletes every binding of a user across all sessions, for the
// account-disabled event. Returns the number of revoked bindings.
func (s *SessionService) RevokeUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	result := s.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.UserSession{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		logger.Info("user_sessions_revoked", map[string]interface{}{
			"user_id": userID.String(),
			"count":   result.RowsAffected,
		})
	}
	return result.RowsAffected, nil
}
