package handlers

import (
	"errors"
	"time"

	"github.com/affine/identity/internal/config"
	"github.com/affine/identity/internal/middleware"
	"github.com/affine/identity/internal/models"
	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuthHandler orchestrates sign-in, sign-out, magic-link redemption, and
// session introspection.
type AuthHandler struct {
	DB          *gorm.DB
	Cfg         *config.Config
	Credentials *services.CredentialService
	Sessions    *services.SessionService
	MagicLinks  *services.MagicLinkService
	MFA         *services.MFAService
	Audit       *services.AuditService
}

func NewAuthHandler(
	db *gorm.DB,
	cfg *config.Config,
	credentials *services.CredentialService,
	sessions *services.SessionService,
	magicLinks *services.MagicLinkService,
	mfa *services.MFAService,
	audit *services.AuditService,
) *AuthHandler {
	return &AuthHandler{
		DB:          db,
		Cfg:         cfg,
		Credentials: credentials,
		Sessions:    sessions,
		MagicLinks:  magicLinks,
		MFA:         mfa,
		Audit:       audit,
	}
}

// issueSession binds the user into the presented session when it is still
// live, or a brand-new one otherwise, and writes the cookie triple. The
// dead-session check is the fixation defense: an id planted before
// authentication is never adopted.
func (h *AuthHandler) issueSession(c *fiber.Ctx, user *models.User, ttl time.Duration) (*models.UserSession, error) {
	presented := c.Cookies(utils.SessionCookieName)
	clientVersion := c.Get(utils.ClientVersionHeaderName)

	userSession, err := h.Sessions.CreateUserSession(c.Context(), user.ID, presented, ttl, clientVersion)
	if err != nil {
		return nil, err
	}

	csrfToken, err := utils.NewCSRFToken()
	if err != nil {
		return nil, err
	}
	utils.SetAuthCookies(c, userSession.SessionID, csrfToken, user.ID.String(), userSession.ExpiresAt, h.Cfg.Server.HTTPS)
	return userSession, nil
}

func (h *AuthHandler) sessionResponse(user *models.User, userSession *models.UserSession) (fiber.Map, error) {
	token, err := utils.GenerateToken(user, userSession.SessionID)
	if err != nil {
		return nil, err
	}
	return fiber.Map{
		"user":  user,
		"token": token,
	}, nil
}

type signInRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CallbackURL string `json:"callback_url"`
	ClientNonce string `json:"client_nonce"`
}

// SignIn handles password sign-in (with admin step-up) and, when no password
// is supplied, triggers a magic-link email instead.
func (h *AuthHandler) SignIn(c *fiber.Ctx) error {
	var req signInRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	email := services.NormalizeEmail(req.Email)
	if !services.ValidEmail(email) {
		return fail(c, services.ErrInvalidEmail)
	}
	if !trustedRedirect(h.Cfg.Server.AllowedRedirects, req.CallbackURL) {
		return fail(c, services.ErrActionForbidden)
	}

	if req.Password == "" {
		if err := h.MagicLinks.Request(c.Context(), email, req.ClientNonce); err != nil {
			return fail(c, err)
		}
		return utils.Success(c, fiber.StatusOK, fiber.Map{"email": email})
	}

	user, err := h.Credentials.SignIn(c.Context(), email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrWrongSignInCredentials) {
			if created, signUpErr := h.signUpWithPassword(c, email, req.Password); signUpErr != nil {
				return fail(c, signUpErr)
			} else if created != nil {
				user = created
				err = nil
			}
		}
		if err != nil {
			h.Audit.LogAsync(services.AuditEntry{
				Action:    "auth.sign_in_failed",
				Details:   map[string]interface{}{"email": email},
				IPAddress: c.IP(),
				RequestID: getRequestID(c),
			})
			return fail(c, err)
		}
	}

	if user.IsAdmin() {
		ticket, riskLevel, err := h.MFA.CreateChallenge(c.Context(), user, c.IP(), c.Get("User-Agent"))
		if err != nil {
			return fail(c, err)
		}
		return utils.Success(c, fiber.StatusAccepted, fiber.Map{
			"mfaRequired": true,
			"ticket":      ticket,
			"riskLevel":   riskLevel,
		})
	}

	userSession, err := h.issueSession(c, user, h.Cfg.Auth.SessionTTL)
	if err != nil {
		return fail(c, err)
	}
	data, err := h.sessionResponse(user, userSession)
	if err != nil {
		return fail(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:    &user.ID,
		Action:    "auth.sign_in",
		Details:   map[string]interface{}{"method": "password"},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})
	return utils.Success(c, fiber.StatusOK, data)
}

// signUpWithPassword creates an account on first password sign-in with an
// unknown email. Returns (nil, nil) when the email was not actually unknown,
// so the caller keeps the uniform credentials failure.
func (h *AuthHandler) signUpWithPassword(c *fiber.Ctx, email, password string) (*models.User, error) {
	_, err := h.Credentials.UserByEmail(c.Context(), email)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if !h.Cfg.Auth.AllowSignUp {
		return nil, services.ErrSignUpForbidden
	}

	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         models.UserRoleUser,
		RegisteredAt: time.Now(),
	}
	if err := h.DB.WithContext(c.Context()).Create(user).Error; err != nil {
		return nil, err
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:    &user.ID,
		Action:    "auth.sign_up",
		Details:   map[string]interface{}{"method": "password"},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})
	return user, nil
}

type magicLinkRequest struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	ClientNonce string `json:"client_nonce"`
}

// MagicLink redeems an emailed one-time code and signs the account in.
func (h *AuthHandler) MagicLink(c *fiber.Ctx) error {
	var req magicLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Email == "" || req.Token == "" {
		return fail(c, services.ErrInvalidEmailToken)
	}

	email := services.NormalizeEmail(req.Email)
	tokenID, err := h.MagicLinks.Consume(c.Context(), email, req.Token, req.ClientNonce)
	if err != nil {
		return fail(c, err)
	}
	if _, err := h.MagicLinks.RedeemToken(c.Context(), tokenID); err != nil {
		return fail(c, err)
	}

	user, err := h.Credentials.UserByEmail(c.Context(), email)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fail(c, err)
		}
		if !h.Cfg.Auth.AllowSignUp {
			return fail(c, services.ErrSignUpForbidden)
		}
		user = &models.User{
			Email:        email,
			Role:         models.UserRoleUser,
			RegisteredAt: time.Now(),
		}
		if err := h.DB.WithContext(c.Context()).Create(user).Error; err != nil {
			return fail(c, err)
		}
	}
	if user.Disabled {
		return fail(c, services.ErrActionForbidden)
	}

	// Admins complete step-up even on the magic-link path.
	if user.IsAdmin() {
		ticket, riskLevel, err := h.MFA.CreateChallenge(c.Context(), user, c.IP(), c.Get("User-Agent"))
		if err != nil {
			return fail(c, err)
		}
		return utils.Success(c, fiber.StatusAccepted, fiber.Map{
			"mfaRequired": true,
			"ticket":      ticket,
			"riskLevel":   riskLevel,
		})
	}

	userSession, err := h.issueSession(c, user, h.Cfg.Auth.SessionTTL)
	if err != nil {
		return fail(c, err)
	}
	data, err := h.sessionResponse(user, userSession)
	if err != nil {
		return fail(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:    &user.ID,
		Action:    "auth.sign_in",
		Details:   map[string]interface{}{"method": "magic_link"},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})
	return utils.Success(c, fiber.StatusCreated, data)
}

// checkCSRF applies the double-submit rule. Strict mode requires a matching
// header; compat mode tolerates a missing one but never a mismatched one.
func (h *AuthHandler) checkCSRF(c *fiber.Ctx) error {
	cookie := c.Cookies(utils.CSRFCookieName)
	header := c.Get(utils.CSRFHeaderName)

	if header == "" {
		if h.Cfg.Server.CSRFMode == config.CSRFStrict {
			return services.ErrActionForbidden
		}
		return nil
	}
	if cookie == "" || !utils.ConstantTimeEquals(header, cookie) {
		return services.ErrActionForbidden
	}
	return nil
}

// SignOut removes one binding (?user_id=) or the whole session.
func (h *AuthHandler) SignOut(c *fiber.Ctx) error {
	if c.Method() == fiber.MethodGet {
		c.Set("Deprecation", "true")
	}

	sessionID := c.Cookies(utils.SessionCookieName)
	if sessionID == "" {
		utils.ClearAuthCookies(c, h.Cfg.Server.HTTPS)
		return utils.Success(c, fiber.StatusOK, fiber.Map{"signedOut": true})
	}

	if err := h.checkCSRF(c); err != nil {
		return fail(c, err)
	}

	var userID *uuid.UUID
	if raw := c.Query("user_id"); raw != "" {
		parsed, err := parseUUID(raw)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid user_id")
		}
		userID = &parsed
	}

	if err := h.Sessions.SignOut(c.Context(), sessionID, userID); err != nil {
		return fail(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:    userID,
		Action:    "auth.sign_out",
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	if userID == nil {
		utils.ClearAuthCookies(c, h.Cfg.Server.HTTPS)
		return utils.Success(c, fiber.StatusOK, fiber.Map{"signedOut": true})
	}

	// Single-account sign-out: point the hint cookie at the newest
	// remaining binding, or clear everything when none is left.
	remaining, err := h.Sessions.GetUserSessions(c.Context(), sessionID)
	if err != nil {
		return fail(c, err)
	}
	if len(remaining) == 0 {
		utils.ClearAuthCookies(c, h.Cfg.Server.HTTPS)
		return utils.Success(c, fiber.StatusOK, fiber.Map{"signedOut": true})
	}

	latest := remaining[len(remaining)-1]
	csrfToken, err := utils.NewCSRFToken()
	if err != nil {
		return fail(c, err)
	}
	utils.SetAuthCookies(c, sessionID, csrfToken, latest.User.ID.String(), latest.UserSession.ExpiresAt, h.Cfg.Server.HTTPS)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"signedOut": true})
}

// Session returns the account the presented cookies select, or null.
func (h *AuthHandler) Session(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Success(c, fiber.StatusOK, fiber.Map{"user": nil})
	}

	data := fiber.Map{"user": user}
	if user.IsAdmin() {
		if userSession := middleware.GetCurrentUserSession(c); userSession != nil {
			data["stepUpActive"] = h.MFA.HasStepUp(c.Context(), userSession.SessionID)
		}
	}
	return utils.Success(c, fiber.StatusOK, data)
}

// ListSessions lists every account bound into the presented session.
func (h *AuthHandler) ListSessions(c *fiber.Ctx) error {
	sessionID := c.Cookies(utils.SessionCookieName)
	if sessionID == "" {
		return utils.Success(c, fiber.StatusOK, fiber.Map{"users": []models.User{}})
	}

	bindings, err := h.Sessions.GetUserSessions(c.Context(), sessionID)
	if err != nil {
		return fail(c, err)
	}

	users := make([]models.User, 0, len(bindings))
	for _, binding := range bindings {
		users = append(users, binding.User)
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"users": users})
}

// DisableAccount is the account-disabled event: flips the flag and revokes
// every live binding of the user, reporting the count for audit.
func (h *AuthHandler) DisableAccount(c *fiber.Ctx) error {
	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	err = h.DB.WithContext(c.Context()).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("disabled", true).Error
	if err != nil {
		return fail(c, err)
	}

	revoked, err := h.Sessions.RevokeUser(c.Context(), userID)
	if err != nil {
		return fail(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:    &userID,
		Action:    "auth.account_disabled",
		Details:   map[string]interface{}{"revoked_sessions": revoked},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{"revokedSessions": revoked})
}
