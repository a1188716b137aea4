package services

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/affine/identity/internal/cache"
	"github.com/affine/identity/internal/config"
	"github.com/google/uuid"
)

const oauthStatePrefix = "oas:"

// Cheap shape check before touching the store; rejects forged 36-character
// strings without a network round trip.
var uuidShape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// OAuthStatePayload is what a preflight stores and a callback gets back.
// Extra caller-supplied fields ride along untouched.
type OAuthStatePayload struct {
	Token       string                 `json:"token"`
	Provider    string                 `json:"provider"`
	ClientNonce string                 `json:"clientNonce,omitempty"`
	RedirectURI string                 `json:"redirectUri,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// OAuthStateService issues and single-use-consumes the opaque state token
// carried through the OAuth redirect round trip.
type OAuthStateService struct {
	Cache *cache.Store
	Cfg   config.AuthConfig
}

func NewOAuthStateService(store *cache.Store, cfg config.AuthConfig) *OAuthStateService {
	return &OAuthStateService{Cache: store, Cfg: cfg}
}

func (s *OAuthStateService) Save(ctx context.Context, payload OAuthStatePayload) (string, error) {
	token := uuid.NewString()
	payload.Token = token

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := s.Cache.Set(ctx, oauthStatePrefix+token, encoded, s.Cfg.OAuthStateTTL); err != nil {
		return "", err
	}
	return token, nil
}

// Get returns the payload without consuming it.
func (s *OAuthStateService) Get(ctx context.Context, token string) (*OAuthStatePayload, error) {
	if !uuidShape.MatchString(token) {
		return nil, ErrInvalidOAuthCallbackState
	}
	raw, err := s.Cache.Get(ctx, oauthStatePrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrOAuthStateExpired
		}
		return nil, err
	}
	return decodeOAuthState(raw)
}

// Consume returns the payload and atomically deletes it. Any later lookup of
// the same token misses, which is the replay guarantee for the whole round
// trip: callers treat the miss as "state expired, restart".
func (s *OAuthStateService) Consume(ctx context.Context, token string) (*OAuthStatePayload, error) {
	if !uuidShape.MatchString(token) {
		return nil, ErrInvalidOAuthCallbackState
	}
	raw, err := s.Cache.GetDel(ctx, oauthStatePrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrOAuthStateExpired
		}
		return nil, err
	}
	return decodeOAuthState(raw)
}

func decodeOAuthState(raw []byte) (*OAuthStatePayload, error) {
	var payload OAuthStatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrInvalidOAuthCallbackState
	}
	return &payload, nil
}
