package services

import (
	"context"
	"encoding/json"
	"errors"
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
	magicLinkKeyPrefix = "mlo:"
	magicLinkOTPDigits = 6
)

type magicLinkRecord struct {
	OTPHash     string `json:"otp_hash"`
	Token       string `json:"token"`
	ClientNonce string `json:"client_nonce"`
	Attempts    int    `json:"attempts"`
}

// consumeMagicLinkLua validates and consumes a magic-link OTP in one
// server-side operation. A matching code deletes the record (single use); a
// wrong code increments the attempt counter in place, preserving the TTL.
// Once the counter hits the cap the record rejects everything, the correct
// code included, until it expires or is overwritten by a re-request.
//
// KEYS[1] = record key
// ARGV[1] = provided OTP hash
// ARGV[2] = provided client nonce ("" when none)
// ARGV[3] = max attempts
var consumeMagicLinkLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local rec = cjson.decode(data)
local attempts = tonumber(rec.attempts)
local maxAttempts = tonumber(ARGV[3])

if attempts >= maxAttempts then
  return {err='locked'}
end

if (rec.client_nonce or '') ~= ARGV[2] then
  return {err='nonce_mismatch'}
end

if rec.otp_hash ~= ARGV[1] then
  rec.attempts = attempts + 1
  redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
  return {err='bad_otp'}
end

redis.call('DEL', KEYS[1])
return rec.token
`)

// MagicLinkService issues and single-use-consumes emailed one-time codes.
// One pending code per email; re-requests overwrite.
type MagicLinkService struct {
	DB     *gorm.DB
	Cache  *cache.Store
	Mailer Mailer
	Cfg    config.AuthConfig
}

func NewMagicLinkService(db *gorm.DB, store *cache.Store, mailer Mailer, cfg config.AuthConfig) *MagicLinkService {
	return &MagicLinkService{DB: db, Cache: store, Mailer: mailer, Cfg: cfg}
}

func magicLinkKey(email string) string {
	return magicLinkKeyPrefix + NormalizeEmail(email)
}

// Request mints a verification token, stores the hashed OTP keyed by email,
// and mails the code. Any prior pending code for the email is replaced.
func (s *MagicLinkService) Request(ctx context.Context, email, clientNonce string) error {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return ErrInvalidEmail
	}

	token := &models.VerificationToken{
		Email:     email,
		ExpiresAt: time.Now().Add(s.Cfg.MagicLinkTTL),
	}
	if err := s.DB.WithContext(ctx).Create(token).Error; err != nil {
		return err
	}

	otp, err := utils.RandomOTP(magicLinkOTPDigits)
	if err != nil {
		return err
	}

	record := magicLinkRecord{
		OTPHash:     utils.HashOTP(otp),
		Token:       token.ID.String(),
		ClientNonce: clientNonce,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.Cache.Set(ctx, magicLinkKey(email), encoded, s.Cfg.MagicLinkTTL); err != nil {
		return err
	}

	if err := s.Mailer.SendSignInCode(ctx, email, otp); err != nil {
		logger.Error("magic_link_mail_failed", err, map[string]interface{}{
			"email": email,
		})
		return err
	}

	logger.Info("magic_link_issued", map[string]interface{}{
		"email": email,
	})
	return nil
}

// Consume redeems the pending code for the email. The nonce supplied at
// issuance must be echoed back exactly; a mismatch fails without touching the
// attempt counter so the legitimate tab can still redeem. Success returns the
// verification token id and deletes the record.
func (s *MagicLinkService) Consume(ctx context.Context, email, otp, clientNonce string) (string, error) {
	email = NormalizeEmail(email)

	result, err := s.Cache.Eval(
		ctx,
		consumeMagicLinkLua,
		[]string{magicLinkKey(email)},
		utils.HashOTP(otp),
		clientNonce,
		s.Cfg.MagicLinkAttempts,
	)
	if err != nil {
		switch err.Error() {
		case "not_found", "bad_otp", "locked":
			return "", ErrInvalidEmailToken
		case "nonce_mismatch":
			return "", ErrInvalidAuthState
		}
		if errors.Is(err, cache.ErrNotFound) {
			return "", ErrInvalidEmailToken
		}
		return "", err
	}

	token, ok := result.(string)
	if !ok || token == "" {
		return "", ErrInvalidEmailToken
	}
	return token, nil
}

// RedeemToken marks the relational verification token used, exactly once.
func (s *MagicLinkService) RedeemToken(ctx context.Context, tokenID string) (*models.VerificationToken, error) {
	id, err := uuid.Parse(tokenID)
	if err != nil {
		return nil, ErrEmailTokenNotFound
	}

	var token models.VerificationToken
	err = s.DB.WithContext(ctx).First(&token, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEmailTokenNotFound
		}
		return nil, err
	}

	now := time.Now()
	if !token.Usable(now) {
		return nil, ErrInvalidEmailToken
	}

	result := s.DB.WithContext(ctx).
		Model(&models.VerificationToken{}).
		Where("id = ? AND used_at IS NULL", id).
		Update("used_at", now)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrInvalidEmailToken
	}
	token.UsedAt = &now
	return &token, nil
}
