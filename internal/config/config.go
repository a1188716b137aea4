package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type CSRFMode string

const (
	// CSRFStrict rejects sign-out requests with a missing or mismatched
	// CSRF header.
	CSRFStrict CSRFMode = "strict"
	// CSRFCompat tolerates a missing header (older clients) but still
	// rejects a present-and-mismatched one.
	CSRFCompat CSRFMode = "compat"
)

type Config struct {
	DB     DBConfig
	Redis  RedisConfig
	Server ServerConfig
	Auth   AuthConfig
	SMTP   SMTPConfig
	OAuth  OAuthConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ServerConfig struct {
	Port             string
	HTTPS            bool
	FrontendURL      string
	CSRFMode         CSRFMode
	MinClientVersion string
	AllowedRedirects []string
}

type AuthConfig struct {
	SessionTTL        time.Duration
	AdminSessionTTL   time.Duration
	RefreshThreshold  time.Duration
	MagicLinkTTL      time.Duration
	MFAChallengeTTL   time.Duration
	StepUpTTL         time.Duration
	TrustedDeviceTTL  time.Duration
	OAuthStateTTL     time.Duration
	JWTSecret         string
	JWTExpirationHrs  int
	AllowSignUp       bool
	MagicLinkAttempts int
	MFAAttempts       int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type OAuthProviderConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       string
	IssuerURL    string
}

type OAuthConfig struct {
	Google OAuthProviderConfig
	GitHub OAuthProviderConfig
	OIDC   OAuthProviderConfig
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "identity"),
			Password: getEnv("DB_PASSWORD", "identity_secret"),
			Name:     getEnv("DB_NAME", "identity"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:             getEnv("SERVER_PORT", "8080"),
			HTTPS:            getEnvAsBool("SERVER_HTTPS", false),
			FrontendURL:      getEnv("FRONTEND_URL", "http://localhost:3001"),
			CSRFMode:         csrfMode(getEnv("CSRF_MODE", "compat")),
			MinClientVersion: getEnv("MIN_CLIENT_VERSION", ""),
			AllowedRedirects: getEnvAsList("ALLOWED_REDIRECTS", []string{"http://localhost:3001"}),
		},
		Auth: AuthConfig{
			SessionTTL:        getEnvAsDuration("SESSION_TTL", 30*24*time.Hour),
			AdminSessionTTL:   getEnvAsDuration("ADMIN_SESSION_TTL", 12*time.Hour),
			RefreshThreshold:  getEnvAsDuration("SESSION_REFRESH_THRESHOLD", 7*24*time.Hour),
			MagicLinkTTL:      getEnvAsDuration("MAGIC_LINK_TTL", 30*time.Minute),
			MFAChallengeTTL:   getEnvAsDuration("MFA_CHALLENGE_TTL", 10*time.Minute),
			StepUpTTL:         getEnvAsDuration("STEP_UP_TTL", time.Hour),
			TrustedDeviceTTL:  getEnvAsDuration("TRUSTED_DEVICE_TTL", 30*24*time.Hour),
			OAuthStateTTL:     getEnvAsDuration("OAUTH_STATE_TTL", 3*time.Hour),
			JWTSecret:         getEnv("JWT_SECRET", "change-me-in-production"),
			JWTExpirationHrs:  getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
			AllowSignUp:       getEnvAsBool("ALLOW_SIGN_UP", true),
			MagicLinkAttempts: getEnvAsInt("MAGIC_LINK_MAX_ATTEMPTS", 10),
			MFAAttempts:       getEnvAsInt("MFA_MAX_ATTEMPTS", 5),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "localhost"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "noreply@affine.local"),
		},
		OAuth: OAuthConfig{
			Google: oauthProvider("GOOGLE", "openid,email,profile"),
			GitHub: oauthProvider("GITHUB", "read:user,user:email"),
			OIDC:   oauthProvider("OIDC", "openid,email,profile"),
		},
	}
}

func oauthProvider(prefix, defaultScopes string) OAuthProviderConfig {
	return OAuthProviderConfig{
		Enabled:      getEnvAsBool("OAUTH_"+prefix+"_ENABLED", false),
		ClientID:     getEnv("OAUTH_"+prefix+"_CLIENT_ID", ""),
		ClientSecret: getEnv("OAUTH_"+prefix+"_CLIENT_SECRET", ""),
		RedirectURL:  getEnv("OAUTH_"+prefix+"_REDIRECT_URL", ""),
		Scopes:       getEnv("OAUTH_"+prefix+"_SCOPES", defaultScopes),
		IssuerURL:    getEnv("OAUTH_"+prefix+"_ISSUER_URL", ""),
	}
}

func csrfMode(value string) CSRFMode {
	if strings.EqualFold(value, string(CSRFStrict)) {
		return CSRFStrict
	}
	return CSRFCompat
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
