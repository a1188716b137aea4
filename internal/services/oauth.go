package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/affine/identity/internal/config"
	"github.com/affine/identity/internal/models"
	"github.com/affine/identity/pkg/logger"
	"golang.org/x/oauth2"
	githubep "golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"
)

// OAuthProfile is the identity a provider hands back after code exchange.
type OAuthProfile struct {
	Provider       string
	ProviderUserID string
	Email          string
	Name           string
	AvatarURL      *string
}

// OAuthExchanger is the "exchange code for identity" capability the callback
// handler consumes. Tests substitute a fake.
type OAuthExchanger interface {
	AuthCodeURL(provider, state string) (string, error)
	Exchange(ctx context.Context, provider, code string) (*OAuthProfile, error)
}

// OAuthProviderService maps provider names to oauth2 configs and fetches the
// user profile after exchange.
type OAuthProviderService struct {
	Cfg *config.Config
}

func NewOAuthProviderService(cfg *config.Config) *OAuthProviderService {
	return &OAuthProviderService{Cfg: cfg}
}

func (s *OAuthProviderService) providerConfig(provider string) (*oauth2.Config, config.OAuthProviderConfig, error) {
	switch strings.ToLower(provider) {
	case "google":
		p := s.Cfg.OAuth.Google
		if !p.Enabled {
			return nil, p, ErrUnknownOAuthProvider
		}
		return &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       strings.Split(p.Scopes, ","),
			Endpoint:     google.Endpoint,
		}, p, nil

	case "github":
		p := s.Cfg.OAuth.GitHub
		if !p.Enabled {
			return nil, p, ErrUnknownOAuthProvider
		}
		return &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       strings.Split(p.Scopes, ","),
			Endpoint:     githubep.Endpoint,
		}, p, nil

	case "oidc":
		p := s.Cfg.OAuth.OIDC
		if !p.Enabled {
			return nil, p, ErrUnknownOAuthProvider
		}
		return &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  p.RedirectURL,
			Scopes:       strings.Split(p.Scopes, ","),
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.IssuerURL + "/authorize",
				TokenURL: p.IssuerURL + "/token",
			},
		}, p, nil

	default:
		return nil, config.OAuthProviderConfig{}, ErrUnknownOAuthProvider
	}
}

func (s *OAuthProviderService) AuthCodeURL(provider, state string) (string, error) {
	cfg, _, err := s.providerConfig(provider)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state), nil
}

func (s *OAuthProviderService) Exchange(ctx context.Context, provider, code string) (*OAuthProfile, error) {
	cfg, providerCfg, err := s.providerConfig(provider)
	if err != nil {
		return nil, err
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		logger.Warn("oauth_exchange_failed", map[string]interface{}{
			"provider": provider,
			"error":    err.Error(),
		})
		return nil, errors.New("failed to exchange code for token")
	}

	client := cfg.Client(ctx, token)
	switch strings.ToLower(provider) {
	case "google":
		return googleProfile(client)
	case "github":
		return githubProfile(client)
	case "oidc":
		return oidcProfile(client, providerCfg.IssuerURL)
	default:
		return nil, ErrUnknownOAuthProvider
	}
}

func googleProfile(client *http.Client) (*OAuthProfile, error) {
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("google api returned status %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	return &OAuthProfile{
		Provider:       "google",
		ProviderUserID: data.ID,
		Email:          data.Email,
		Name:           data.Name,
		AvatarURL:      optionalString(data.Picture),
	}, nil
}

func githubProfile(client *http.Client) (*OAuthProfile, error) {
	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("github api returned status %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		ID        int    `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	if data.Email == "" {
		emailResp, err := client.Get("https://api.github.com/user/emails")
		if err == nil {
			defer emailResp.Body.Close()
			var emails []struct {
				Email    string `json:"email"`
				Primary  bool   `json:"primary"`
				Verified bool   `json:"verified"`
			}
			if json.NewDecoder(emailResp.Body).Decode(&emails) == nil {
				for _, e := range emails {
					if e.Primary && e.Verified {
						data.Email = e.Email
						break
					}
				}
			}
		}
	}
	if data.Email == "" {
		return nil, errors.New("github email not available")
	}

	name := data.Name
	if name == "" {
		name = data.Login
	}

	return &OAuthProfile{
		Provider:       "github",
		ProviderUserID: fmt.Sprintf("%d", data.ID),
		Email:          data.Email,
		Name:           name,
		AvatarURL:      optionalString(data.AvatarURL),
	}, nil
}

func oidcProfile(client *http.Client, issuerURL string) (*OAuthProfile, error) {
	resp, err := client.Get(issuerURL + "/userinfo")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("oidc userinfo returned status %d: %s", resp.StatusCode, string(body))
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}

	sub, _ := data["sub"].(string)
	if sub == "" {
		return nil, errors.New("oidc: subject claim is required")
	}
	email, _ := data["email"].(string)
	name, _ := data["name"].(string)
	picture, _ := data["picture"].(string)

	return &OAuthProfile{
		Provider:       "oidc",
		ProviderUserID: sub,
		Email:          email,
		Name:           name,
		AvatarURL:      optionalString(picture),
	}, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// FindOrCreateOAuthUser resolves a provider profile to a local account,
// creating one when sign-up is allowed.
func FindOrCreateOAuthUser(
	ctx context.Context,
	db *gorm.DB,
	profile *OAuthProfile,
	allowSignUp bool,
) (*models.User, error) {
	if profile.Email == "" || !ValidEmail(profile.Email) {
		return nil, ErrInvalidEmail
	}

	var user models.User
	err := db.WithContext(ctx).
		Where("lower(email) = ?", NormalizeEmail(profile.Email)).
		First(&user).Error
	if err == nil {
		if user.Disabled {
			return nil, ErrActionForbidden
		}
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if !allowSignUp {
		return nil, ErrSignUpForbidden
	}

	user = models.User{
		Email:        NormalizeEmail(profile.Email),
		Name:         profile.Name,
		Role:         models.UserRoleUser,
		AvatarURL:    profile.AvatarURL,
		RegisteredAt: time.Now(),
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
