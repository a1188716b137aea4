package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/affine/identity/internal/models"
	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/utils"
)

// startAdminChallenge signs in with the admin password and returns the step-up
// ticket together with the reported risk level.
func startAdminChallenge(t *testing.T, env *testEnv, email, password string) (string, string) {
	t.Helper()

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/sign-in", map[string]string{
		"email":    email,
		"password": password,
	}, nil, nil)
	assertStatus(t, resp, http.StatusAccepted)

	data := dataMap(t, decodeJSONMap(t, resp))
	ticket, _ := data["ticket"].(string)
	riskLevel, _ := data["riskLevel"].(string)
	if ticket == "" {
		t.Fatalf("expected step-up ticket, got %+v", data)
	}
	return ticket, riskLevel
}

func verifyChallenge(t *testing.T, env *testEnv, ticket, code string, headers map[string]string) *http.Response {
	t.Helper()
	return performJSONRequest(t, env.app, http.MethodPost, "/api/auth/admin/verify-mfa", map[string]string{
		"ticket": ticket,
		"otp":    code,
	}, headers, nil)
}

func TestAdminSignInRequiresStepUp(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	ticket, riskLevel := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	if riskLevel != services.RiskLevelElevated {
		t.Fatalf("first challenge from an unknown device must be elevated, got %q", riskLevel)
	}

	// No cookies before the challenge completes.
	otp := env.mailer.lastMFACode(ticket)
	resp := verifyChallenge(t, env, ticket, otp, nil)
	assertStatus(t, resp, http.StatusCreated)

	data := dataMap(t, decodeJSONMap(t, resp))
	user, _ := data["user"].(map[string]any)
	if user == nil || user["role"] != "admin" {
		t.Fatalf("expected admin user, got %+v", data)
	}

	session := responseCookie(resp, utils.SessionCookieName)
	if session == nil || session.Value == "" {
		t.Fatal("expected a session cookie after step-up")
	}
	// Admin sessions run on the shorter TTL.
	if session.Expires.After(time.Now().Add(env.cfg.Auth.AdminSessionTTL + time.Hour)) {
		t.Fatalf("admin cookie expiry too far out: %v", session.Expires)
	}
}

func TestStepUpMarkerOnSession(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	cookies := signInAdmin(t, env, "admin@example.com", "admin-password")

	resp := performRequest(t, env.app, http.MethodGet, "/api/auth/session", nil, nil, cookies)
	assertStatus(t, resp, http.StatusOK)
	data := dataMap(t, decodeJSONMap(t, resp))
	if active, _ := data["stepUpActive"].(bool); !active {
		t.Fatalf("expected stepUpActive on admin session, got %+v", data)
	}
}

func TestMFATicketConsumedOnSuccess(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	ticket, _ := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	otp := env.mailer.lastMFACode(ticket)

	first := verifyChallenge(t, env, ticket, otp, nil)
	assertStatus(t, first, http.StatusCreated)

	replay := verifyChallenge(t, env, ticket, otp, nil)
	assertStatus(t, replay, http.StatusBadRequest)
	assertErrorCode(t, decodeJSONMap(t, replay), "INVALID_AUTH_STATE")
}

func TestMFAAttemptCapDestroysTicket(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	ticket, _ := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	otp := env.mailer.lastMFACode(ticket)

	for i := 0; i < env.cfg.Auth.MFAAttempts; i++ {
		resp := verifyChallenge(t, env, ticket, "000000", nil)
		assertStatus(t, resp, http.StatusBadRequest)
	}

	// The ticket is gone; the correct code no longer helps.
	resp := verifyChallenge(t, env, ticket, otp, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, decodeJSONMap(t, resp), "INVALID_AUTH_STATE")
}

func TestMFAWrongCodeThenCorrectWithinCap(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	ticket, _ := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	otp := env.mailer.lastMFACode(ticket)

	for i := 0; i < env.cfg.Auth.MFAAttempts-1; i++ {
		resp := verifyChallenge(t, env, ticket, "000000", nil)
		assertStatus(t, resp, http.StatusBadRequest)
	}

	resp := verifyChallenge(t, env, ticket, otp, nil)
	assertStatus(t, resp, http.StatusCreated)
}

func TestMFAFingerprintMismatchDoesNotBurnAttempt(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	ticket, _ := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	otp := env.mailer.lastMFACode(ticket)

	// A different device presenting even the correct code is rejected and
	// leaves the challenge intact.
	other := map[string]string{"User-Agent": "different-browser/1.0"}
	resp := verifyChallenge(t, env, ticket, otp, other)
	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, decodeJSONMap(t, resp), "INVALID_AUTH_STATE")

	ok := verifyChallenge(t, env, ticket, otp, nil)
	assertStatus(t, ok, http.StatusCreated)
}

func TestMFAResendResetsAttempts(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	ticket, _ := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	staleOTP := env.mailer.lastMFACode(ticket)

	for i := 0; i < env.cfg.Auth.MFAAttempts-1; i++ {
		verifyChallenge(t, env, ticket, "000000", nil)
	}

	resendResp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/admin/resend-mfa", map[string]string{
		"ticket": ticket,
	}, nil, nil)
	assertStatus(t, resendResp, http.StatusCreated)
	resendData := dataMap(t, decodeJSONMap(t, resendResp))
	if got, _ := resendData["ticket"].(string); got != ticket {
		t.Fatalf("resend must keep the ticket, got %q", got)
	}
	if resent, _ := resendData["resent"].(bool); !resent {
		t.Fatalf("expected resent=true, got %+v", resendData)
	}

	newOTP := env.mailer.lastMFACode(ticket)
	if newOTP == staleOTP {
		t.Skip("codes collided; re-run")
	}

	// The counter restarted, so all attempts are available again.
	for i := 0; i < env.cfg.Auth.MFAAttempts-1; i++ {
		resp := verifyChallenge(t, env, ticket, "000000", nil)
		assertStatus(t, resp, http.StatusBadRequest)
	}
	resp := verifyChallenge(t, env, ticket, newOTP, nil)
	assertStatus(t, resp, http.StatusCreated)
}

func TestMFAResendUnknownTicket(t *testing.T) {
	env := setupTestEnv(t)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/admin/resend-mfa", map[string]string{
		"ticket": "no-such-ticket",
	}, nil, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, decodeJSONMap(t, resp), "INVALID_AUTH_STATE")
}

func TestMFATicketExpires(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	ticket, _ := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	otp := env.mailer.lastMFACode(ticket)

	env.redis.FastForward(env.cfg.Auth.MFAChallengeTTL + time.Minute)

	resp := verifyChallenge(t, env, ticket, otp, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, decodeJSONMap(t, resp), "INVALID_AUTH_STATE")
}

func TestMFADemotedAdminCannotComplete(t *testing.T) {
	env := setupTestEnv(t)
	admin := createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	ticket, _ := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	otp := env.mailer.lastMFACode(ticket)

	if err := env.db.Model(admin).Update("role", models.UserRoleUser).Error; err != nil {
		t.Fatalf("failed demoting admin: %v", err)
	}

	resp := verifyChallenge(t, env, ticket, otp, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	assertErrorCode(t, decodeJSONMap(t, resp), "INVALID_AUTH_STATE")
}

func TestTrustedDeviceLowersRisk(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	// First sign-in trusts the device after a successful verification.
	signInAdmin(t, env, "admin@example.com", "admin-password")

	_, riskLevel := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	if riskLevel != services.RiskLevelLow {
		t.Fatalf("expected low risk from a trusted device, got %q", riskLevel)
	}
}

func TestTrustedDevicesListAndRevoke(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "admin@example.com", "admin-password", models.UserRoleAdmin)

	cookies := signInAdmin(t, env, "admin@example.com", "admin-password")

	listResp := performRequest(t, env.app, http.MethodGet, "/api/auth/admin/trusted-devices", nil, nil, cookies)
	assertStatus(t, listResp, http.StatusOK)
	data := dataMap(t, decodeJSONMap(t, listResp))
	devices, _ := data["devices"].([]any)
	if len(devices) != 1 {
		t.Fatalf("expected 1 trusted device, got %d", len(devices))
	}

	revokeResp := performJSONRequest(t, env.app, http.MethodDelete, "/api/auth/admin/trusted-devices", nil, nil, cookies)
	assertStatus(t, revokeResp, http.StatusOK)

	afterResp := performRequest(t, env.app, http.MethodGet, "/api/auth/admin/trusted-devices", nil, nil, cookies)
	afterData := dataMap(t, decodeJSONMap(t, afterResp))
	afterDevices, _ := afterData["devices"].([]any)
	if len(afterDevices) != 0 {
		t.Fatalf("expected no trusted devices after revocation, got %d", len(afterDevices))
	}

	// The next challenge comes back elevated again.
	_, riskLevel := startAdminChallenge(t, env, "admin@example.com", "admin-password")
	if riskLevel != services.RiskLevelElevated {
		t.Fatalf("expected elevated risk after revocation, got %q", riskLevel)
	}
}

func TestTrustedDevicesRequireAdmin(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "u1@example.com", "hunter2-hunter2", models.UserRoleUser)
	cookies := signInUser(t, env, "u1@example.com", "hunter2-hunter2")

	resp := performRequest(t, env.app, http.MethodGet, "/api/auth/admin/trusted-devices", nil, nil, cookies)
	assertStatus(t, resp, http.StatusForbidden)

	anon := performRequest(t, env.app, http.MethodGet, "/api/auth/admin/trusted-devices", nil, nil, nil)
	assertStatus(t, anon, http.StatusUnauthorized)
}
