package handlers

import (
	"github.com/affine/identity/internal/config"
	"github.com/affine/identity/internal/middleware"
	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// MFAHandler finishes admin step-up challenges and manages trusted devices.
type MFAHandler struct {
	Cfg      *config.Config
	Sessions *services.SessionService
	MFA      *services.MFAService
	Audit    *services.AuditService
}

func NewMFAHandler(cfg *config.Config, sessions *services.SessionService, mfa *services.MFAService, audit *services.AuditService) *MFAHandler {
	return &MFAHandler{Cfg: cfg, Sessions: sessions, MFA: mfa, Audit: audit}
}

type verifyMFARequest struct {
	Ticket string `json:"ticket"`
	OTP    string `json:"otp"`
}

// Verify consumes a step-up ticket and, on success, signs the admin in with
// the shorter admin session TTL and marks the session step-up complete.
func (h *MFAHandler) Verify(c *fiber.Ctx) error {
	var req verifyMFARequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Ticket == "" || req.OTP == "" {
		return fail(c, services.ErrInvalidAuthState)
	}

	user, err := h.MFA.VerifyChallenge(c.Context(), req.Ticket, req.OTP, c.IP(), c.Get("User-Agent"))
	if err != nil {
		return fail(c, err)
	}

	presented := c.Cookies(utils.SessionCookieName)
	clientVersion := c.Get(utils.ClientVersionHeaderName)
	userSession, err := h.Sessions.CreateUserSession(c.Context(), user.ID, presented, h.Cfg.Auth.AdminSessionTTL, clientVersion)
	if err != nil {
		return fail(c, err)
	}
	if err := h.MFA.MarkStepUp(c.Context(), userSession.SessionID); err != nil {
		return fail(c, err)
	}

	csrfToken, err := utils.NewCSRFToken()
	if err != nil {
		return fail(c, err)
	}
	utils.SetAuthCookies(c, userSession.SessionID, csrfToken, user.ID.String(), userSession.ExpiresAt, h.Cfg.Server.HTTPS)

	token, err := utils.GenerateToken(user, userSession.SessionID)
	if err != nil {
		return fail(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:    &user.ID,
		Action:    "auth.mfa_verified",
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})
	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"user":  user,
		"token": token,
	})
}

type resendMFARequest struct {
	Ticket string `json:"ticket"`
}

// Resend re-mails the code for an open challenge. The ticket survives and the
// attempt counter starts over.
func (h *MFAHandler) Resend(c *fiber.Ctx) error {
	var req resendMFARequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Ticket == "" {
		return fail(c, services.ErrInvalidAuthState)
	}

	riskLevel, err := h.MFA.ResendChallenge(c.Context(), req.Ticket, c.IP(), c.Get("User-Agent"))
	if err != nil {
		return fail(c, err)
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"ticket":    req.Ticket,
		"resent":    true,
		"riskLevel": riskLevel,
	})
}

// TrustedDevices lists the calling admin's remembered devices.
func (h *MFAHandler) TrustedDevices(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	devices, err := h.MFA.ListTrustedDevices(c.Context(), user.ID)
	if err != nil {
		return fail(c, err)
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"devices": devices})
}

// RevokeTrustedDevices forgets the device named by ?fingerprint=, or all of
// them when the parameter is absent. Subsequent step-up challenges come back
// elevated.
func (h *MFAHandler) RevokeTrustedDevices(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	fingerprint := c.Query("fingerprint")

	if err := h.MFA.RevokeTrustedDevice(c.Context(), user.ID, fingerprint); err != nil {
		return fail(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:    &user.ID,
		Action:    "auth.trusted_device_revoked",
		Details:   map[string]interface{}{"all": fingerprint == ""},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{"revoked": true})
}
