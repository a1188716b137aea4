package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/affine/identity/internal/cache"
	"github.com/affine/identity/internal/config"
	"github.com/affine/identity/internal/models"
	"github.com/affine/identity/pkg/logger"
	"github.com/affine/identity/pkg/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	mfaTicketBytes      = 24
	mfaOTPDigits        = 6
	mfaChallengePrefix  = "amc:"
	stepUpMarkerPrefix  = "sup:"
	trustedDevicePrefix = "atd:"

	RiskLevelLow      = "low"
	RiskLevelElevated = "elevated"
)

type mfaChallengeRecord struct {
	UserID          string `json:"user_id"`
	Email           string `json:"email"`
	OTPHash         string `json:"otp_hash"`
	Attempts        int    `json:"attempts"`
	RiskLevel       string `json:"risk_level"`
	FingerprintHash string `json:"fingerprint_hash"`
}

// verifyMFALua checks and consumes an admin MFA challenge in one server-side
// operation. A fingerprint mismatch leaves the record untouched so the
// originating device can still complete; a wrong code increments the counter
// and destroys the ticket at the cap; a correct code deletes the ticket and
// returns the record.
//
// KEYS[1] = challenge key
// ARGV[1] = provided OTP hash
// ARGV[2] = request fingerprint hash
// ARGV[3] = max attempts
var verifyMFALua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local rec = cjson.decode(data)

if rec.fingerprint_hash ~= ARGV[2] then
  return {err='fingerprint_mismatch'}
end

if rec.otp_hash ~= ARGV[1] then
  rec.attempts = tonumber(rec.attempts) + 1
  if rec.attempts >= tonumber(ARGV[3]) then
    redis.call('DEL', KEYS[1])
    return {err='attempts_exceeded'}
  end
  redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
  return {err='bad_otp'}
end

redis.call('DEL', KEYS[1])
return data
`)

// TrustedDevice is one remembered fingerprint of a user.
type TrustedDevice struct {
	Fingerprint string    `json:"fingerprint"`
	SeenAt      time.Time `json:"seenAt"`
}

// MFAService runs the administrator step-up challenge and the per-user
// trusted-device map that feeds its risk scoring.
type MFAService struct {
	DB     *gorm.DB
	Cache  *cache.Store
	Mailer Mailer
	Cfg    config.AuthConfig
}

func NewMFAService(db *gorm.DB, store *cache.Store, mailer Mailer, cfg config.AuthConfig) *MFAService {
	return &MFAService{DB: db, Cache: store, Mailer: mailer, Cfg: cfg}
}

// CreateChallenge opens a step-up challenge for a password-verified admin and
// mails the code. Risk level is advisory: low when the requesting device is
// already trusted, elevated otherwise.
func (s *MFAService) CreateChallenge(
	ctx context.Context,
	user *models.User,
	clientIP, userAgent string,
) (ticket string, riskLevel string, err error) {
	ticket, err = utils.RandomToken(mfaTicketBytes)
	if err != nil {
		return "", "", err
	}

	otp, err := utils.RandomOTP(mfaOTPDigits)
	if err != nil {
		return "", "", err
	}

	fingerprint := utils.DeviceFingerprint(clientIP, userAgent)
	riskLevel = RiskLevelElevated
	if s.IsTrustedDevice(ctx, user.ID, fingerprint) {
		riskLevel = RiskLevelLow
	}

	record := mfaChallengeRecord{
		UserID:          user.ID.String(),
		Email:           user.Email,
		OTPHash:         utils.HashOTP(otp),
		RiskLevel:       riskLevel,
		FingerprintHash: fingerprint,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return "", "", err
	}
	if err := s.Cache.Set(ctx, mfaChallengePrefix+ticket, encoded, s.Cfg.MFAChallengeTTL); err != nil {
		return "", "", err
	}

	if err := s.Mailer.SendMFACode(ctx, user.Email, otp, ticket); err != nil {
		logger.Error("mfa_mail_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return "", "", err
	}

	logger.Info("mfa_challenge_created", map[string]interface{}{
		"user_id":    user.ID.String(),
		"risk_level": riskLevel,
	})
	return ticket, riskLevel, nil
}

// VerifyChallenge consumes the ticket when the code and fingerprint match and
// the account is still an enabled administrator. Every failure surfaces the
// same generic error; the distinction only reaches the logs.
func (s *MFAService) VerifyChallenge(
	ctx context.Context,
	ticket, otp, clientIP, userAgent string,
) (*models.User, error) {
	fingerprint := utils.DeviceFingerprint(clientIP, userAgent)

	result, err := s.Cache.Eval(
		ctx,
		verifyMFALua,
		[]string{mfaChallengePrefix + ticket},
		utils.HashOTP(otp),
		fingerprint,
		s.Cfg.MFAAttempts,
	)
	if err != nil {
		reason := err.Error()
		switch reason {
		case "not_found", "fingerprint_mismatch", "bad_otp", "attempts_exceeded":
			logger.Warn("mfa_verify_rejected", map[string]interface{}{
				"reason": reason,
			})
			return nil, ErrInvalidAuthState
		}
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrInvalidAuthState
		}
		return nil, err
	}

	raw, ok := result.(string)
	if !ok {
		return nil, ErrInvalidAuthState
	}
	var record mfaChallengeRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, ErrInvalidAuthState
	}

	userID, err := uuid.Parse(record.UserID)
	if err != nil {
		return nil, ErrInvalidAuthState
	}

	var user models.User
	err = s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidAuthState
		}
		return nil, err
	}
	// Demoted or disabled since the challenge was created.
	if user.Disabled || !user.IsAdmin() {
		logger.Warn("mfa_verify_rejected", map[string]interface{}{
			"reason":  "not_active_admin",
			"user_id": user.ID.String(),
		})
		return nil, ErrInvalidAuthState
	}

	if err := s.RecordTrustedDevice(ctx, user.ID, fingerprint); err != nil {
		return nil, err
	}

	logger.Info("mfa_verified", map[string]interface{}{
		"user_id": user.ID.String(),
	})
	return &user, nil
}

// ResendChallenge re-issues the code under the same ticket: new OTP, attempt
// counter back to zero, full challenge TTL re-applied. Only the device that
// created the challenge may ask.
func (s *MFAService) ResendChallenge(
	ctx context.Context,
	ticket, clientIP, userAgent string,
) (riskLevel string, err error) {
	raw, err := s.Cache.Get(ctx, mfaChallengePrefix+ticket)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", ErrInvalidAuthState
		}
		return "", err
	}

	var record mfaChallengeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", ErrInvalidAuthState
	}

	fingerprint := utils.DeviceFingerprint(clientIP, userAgent)
	if !utils.ConstantTimeEquals(record.FingerprintHash, fingerprint) {
		return "", ErrInvalidAuthState
	}

	otp, err := utils.RandomOTP(mfaOTPDigits)
	if err != nil {
		return "", err
	}
	record.OTPHash = utils.HashOTP(otp)
	record.Attempts = 0

	encoded, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	if err := s.Cache.Set(ctx, mfaChallengePrefix+ticket, encoded, s.Cfg.MFAChallengeTTL); err != nil {
		return "", err
	}

	if err := s.Mailer.SendMFACode(ctx, record.Email, otp, ticket); err != nil {
		return "", err
	}

	logger.Info("mfa_challenge_resent", map[string]interface{}{
		"user_id": record.UserID,
	})
	return record.RiskLevel, nil
}

// MarkStepUp caches the step-up marker against a freshly issued session id.
// Its TTL is shorter than the session's: admin privileges decay first.
func (s *MFAService) MarkStepUp(ctx context.Context, sessionID string) error {
	return s.Cache.Set(ctx, stepUpMarkerPrefix+sessionID, []byte("1"), s.Cfg.StepUpTTL)
}

func (s *MFAService) HasStepUp(ctx context.Context, sessionID string) bool {
	_, err := s.Cache.Get(ctx, stepUpMarkerPrefix+sessionID)
	return err == nil
}

func trustedDeviceKey(userID uuid.UUID) string {
	return trustedDevicePrefix + userID.String()
}

func (s *MFAService) IsTrustedDevice(ctx context.Context, userID uuid.UUID, fingerprint string) bool {
	_, err := s.Cache.MapGet(ctx, trustedDeviceKey(userID), fingerprint)
	return err == nil
}

// RecordTrustedDevice remembers a fingerprint with a fresh seen-at. The map's
// TTL slides on every write.
func (s *MFAService) RecordTrustedDevice(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	return s.Cache.MapSet(
		ctx,
		trustedDeviceKey(userID),
		fingerprint,
		time.Now().UTC().Format(time.RFC3339),
		s.Cfg.TrustedDeviceTTL,
	)
}

// ListTrustedDevices returns the user's remembered devices, most recent first.
func (s *MFAService) ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]TrustedDevice, error) {
	entries, err := s.Cache.MapAll(ctx, trustedDeviceKey(userID))
	if err != nil {
		return nil, err
	}

	devices := make([]TrustedDevice, 0, len(entries))
	for fingerprint, seenAt := range entries {
		parsed, err := time.Parse(time.RFC3339, seenAt)
		if err != nil {
			continue
		}
		devices = append(devices, TrustedDevice{Fingerprint: fingerprint, SeenAt: parsed})
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].SeenAt.After(devices[j].SeenAt)
	})
	return devices, nil
}

// RevokeTrustedDevice forgets one fingerprint, or the user's whole map when
// fingerprint is empty. Revoking an unknown fingerprint is a no-op.
func (s *MFAService) RevokeTrustedDevice(ctx context.Context, userID uuid.UUID, fingerprint string) error {
	if fingerprint == "" {
		_, err := s.Cache.Delete(ctx, trustedDeviceKey(userID))
		return err
	}
	_, err := s.Cache.MapDelete(ctx, trustedDeviceKey(userID), fingerprint)
	return err
}
