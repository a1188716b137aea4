package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/affine/identity/internal/cache"
	"github.com/affine/identity/internal/config"
	"github.com/affine/identity/internal/middleware"
	"github.com/affine/identity/internal/models"
	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/logger"
	"github.com/affine/identity/pkg/utils"
	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// captureMailer records outgoing codes instead of sending mail.
type captureMailer struct {
	mu          sync.Mutex
	signInCodes map[string]string
	mfaCodes    map[string]string
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{
		signInCodes: map[string]string{},
		mfaCodes:    map[string]string{},
	}
}

func (m *captureMailer) SendSignInCode(_ context.Context, email, otp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signInCodes[email] = otp
	return nil
}

func (m *captureMailer) SendMFACode(_ context.Context, _, otp, ticket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mfaCodes[ticket] = otp
	return nil
}

func (m *captureMailer) lastSignInCode(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signInCodes[email]
}

func (m *captureMailer) lastMFACode(ticket string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mfaCodes[ticket]
}

// fakeExchanger maps authorization codes straight to profiles.
type fakeExchanger struct {
	profiles map[string]*services.OAuthProfile
}

func (f *fakeExchanger) AuthCodeURL(provider, state string) (string, error) {
	return "https://provider.example/authorize?provider=" + provider + "&state=" + state, nil
}

func (f *fakeExchanger) Exchange(_ context.Context, _, code string) (*services.OAuthProfile, error) {
	profile, ok := f.profiles[code]
	if !ok {
		return nil, services.ErrInvalidOAuthCallbackState
	}
	return profile, nil
}

type testEnv struct {
	app       *fiber.App
	db        *gorm.DB
	cfg       *config.Config
	mailer    *captureMailer
	redis     *miniredis.Miniredis
	store     *cache.Store
	mfa       *services.MFAService
	sessions  *services.SessionService
	exchanger *fakeExchanger
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.UserSession{},
		&models.VerificationToken{},
		&models.AuditLog{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	mini := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	store := cache.New(rdb, "idn")

	cfg := &config.Config{
		Server: config.ServerConfig{
			FrontendURL:      "http://localhost:3001",
			CSRFMode:         config.CSRFStrict,
			AllowedRedirects: []string{"http://localhost:3001"},
		},
		Auth: config.AuthConfig{
			SessionTTL:        30 * 24 * time.Hour,
			AdminSessionTTL:   12 * time.Hour,
			RefreshThreshold:  7 * 24 * time.Hour,
			MagicLinkTTL:      30 * time.Minute,
			MFAChallengeTTL:   10 * time.Minute,
			StepUpTTL:         time.Hour,
			TrustedDeviceTTL:  30 * 24 * time.Hour,
			OAuthStateTTL:     3 * time.Hour,
			AllowSignUp:       true,
			MagicLinkAttempts: 10,
			MFAAttempts:       5,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mailer := newCaptureMailer()
	exchanger := &fakeExchanger{profiles: map[string]*services.OAuthProfile{}}

	credentials := services.NewCredentialService(db)
	sessions := services.NewSessionService(db, cfg.Auth)
	magicLinks := services.NewMagicLinkService(db, store, mailer, cfg.Auth)
	mfa := services.NewMFAService(db, store, mailer, cfg.Auth)
	oauthStates := services.NewOAuthStateService(store, cfg.Auth)
	audit := services.NewAuditService(db)

	authHandler := NewAuthHandler(db, cfg, credentials, sessions, magicLinks, mfa, audit)
	mfaHandler := NewMFAHandler(cfg, sessions, mfa, audit)
	oauthHandler := NewOAuthHandler(db, cfg, oauthStates, exchanger, authHandler, audit)
	authMiddleware := middleware.NewAuthMiddleware(sessions, cfg.Server.HTTPS)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.FrontendURL))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	if cfg.Server.MinClientVersion != "" {
		app.Use(middleware.ClientVersionGuard(cfg.Server.MinClientVersion, sessions, cfg.Server.HTTPS))
	}

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/sign-in", authHandler.SignIn)
	authRoutes.Post("/magic-link", authHandler.MagicLink)
	authRoutes.Post("/sign-out", authHandler.SignOut)
	authRoutes.Get("/sign-out", authHandler.SignOut)
	authRoutes.Get("/session", authMiddleware.OptionalAuth, authHandler.Session)
	authRoutes.Get("/sessions", authHandler.ListSessions)
	authRoutes.Post("/admin/verify-mfa", mfaHandler.Verify)
	authRoutes.Post("/admin/resend-mfa", mfaHandler.Resend)

	deviceRoutes := api.Group("/auth/admin/trusted-devices", authMiddleware.RequireAuth, middleware.AdminOnly)
	deviceRoutes.Get("/", mfaHandler.TrustedDevices)
	deviceRoutes.Delete("/", mfaHandler.RevokeTrustedDevices)

	oauthRoutes := api.Group("/oauth")
	oauthRoutes.Post("/preflight", oauthHandler.Preflight)
	oauthRoutes.Post("/callback", oauthHandler.Callback)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Post("/users/:id/disable", authHandler.DisableAccount)

	return &testEnv{
		app:       app,
		db:        db,
		cfg:       cfg,
		mailer:    mailer,
		redis:     mini,
		store:     store,
		mfa:       mfa,
		sessions:  sessions,
		exchanger: exchanger,
	}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) *models.User {
	t.Helper()

	user := &models.User{
		Email:        email,
		Role:         role,
		RegisteredAt: time.Now(),
	}
	if password != "" {
		hash, err := utils.HashPassword(password)
		if err != nil {
			t.Fatalf("failed hashing password: %v", err)
		}
		user.PasswordHash = hash
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}
	return user
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string, cookies []*http.Cookie) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string, cookies []*http.Cookie) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders, cookies)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}
	return payload
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object, got %+v", body)
	}
	return data
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertErrorCode(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["code"].(string); got != expected {
		t.Fatalf("expected code %q, got %q (%+v)", expected, got, body)
	}
}

// responseCookie returns the named Set-Cookie from the response, nil when absent.
func responseCookie(resp *http.Response, name string) *http.Cookie {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

// sessionCookies pulls the auth cookie triple out of a sign-in response for
// replay on subsequent requests.
func sessionCookies(t *testing.T, resp *http.Response) []*http.Cookie {
	t.Helper()

	var cookies []*http.Cookie
	for _, name := range []string{utils.SessionCookieName, utils.CSRFCookieName, utils.UserIDCookieName} {
		if cookie := responseCookie(resp, name); cookie != nil && cookie.Value != "" {
			cookies = append(cookies, &http.Cookie{Name: cookie.Name, Value: cookie.Value})
		}
	}
	if len(cookies) == 0 {
		t.Fatal("expected auth cookies on response, got none")
	}
	return cookies
}

// signInUser runs the password sign-in flow and returns the issued cookies.
func signInUser(t *testing.T, env *testEnv, email, password string) []*http.Cookie {
	t.Helper()

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/sign-in", map[string]string{
		"email":    email,
		"password": password,
	}, nil, nil)
	assertStatus(t, resp, http.StatusOK)
	return sessionCookies(t, resp)
}

// signInAdmin runs the full admin flow: password sign-in, step-up challenge,
// code verification. Returns the admin session cookies.
func signInAdmin(t *testing.T, env *testEnv, email, password string) []*http.Cookie {
	t.Helper()

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/sign-in", map[string]string{
		"email":    email,
		"password": password,
	}, nil, nil)
	assertStatus(t, resp, http.StatusAccepted)
	data := dataMap(t, decodeJSONMap(t, resp))
	ticket, _ := data["ticket"].(string)
	if ticket == "" {
		t.Fatalf("expected step-up ticket, got %+v", data)
	}

	otp := env.mailer.lastMFACode(ticket)
	if otp == "" {
		t.Fatal("expected a mailed step-up code")
	}

	verifyResp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/admin/verify-mfa", map[string]string{
		"ticket": ticket,
		"otp":    otp,
	}, nil, nil)
	assertStatus(t, verifyResp, http.StatusCreated)
	return sessionCookies(t, verifyResp)
}

func csrfHeader(cookies []*http.Cookie) map[string]string {
	for _, cookie := range cookies {
		if cookie.Name == utils.CSRFCookieName {
			return map[string]string{utils.CSRFHeaderName: cookie.Value}
		}
	}
	return map[string]string{}
}
