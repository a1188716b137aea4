package handlers

import (
	"github.com/affine/identity/internal/config"
	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// OAuthHandler runs the two-phase OAuth dance: preflight mints a single-use
// state token and hands back the provider URL; callback consumes the token
// and signs the profile in.
type OAuthHandler struct {
	DB       *gorm.DB
	Cfg      *config.Config
	States   *services.OAuthStateService
	Provider services.OAuthExchanger
	Auth     *AuthHandler
	Audit    *services.AuditService
}

func NewOAuthHandler(
	db *gorm.DB,
	cfg *config.Config,
	states *services.OAuthStateService,
	provider services.OAuthExchanger,
	auth *AuthHandler,
	audit *services.AuditService,
) *OAuthHandler {
	return &OAuthHandler{DB: db, Cfg: cfg, States: states, Provider: provider, Auth: auth, Audit: audit}
}

type oauthPreflightRequest struct {
	Provider    string `json:"provider"`
	ClientNonce string `json:"client_nonce"`
	RedirectURI string `json:"redirect_uri"`
}

// Preflight stores the request parameters server-side and returns the
// provider authorization URL carrying only the opaque state token.
func (h *OAuthHandler) Preflight(c *fiber.Ctx) error {
	var req oauthPreflightRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Provider == "" {
		return utils.Error(c, fiber.StatusBadRequest, "provider is required")
	}
	if req.ClientNonce == "" {
		return utils.Error(c, fiber.StatusBadRequest, "client_nonce is required")
	}
	if !trustedRedirect(h.Cfg.Server.AllowedRedirects, req.RedirectURI) {
		return fail(c, services.ErrActionForbidden)
	}

	state, err := h.States.Save(c.Context(), services.OAuthStatePayload{
		Provider:    req.Provider,
		ClientNonce: req.ClientNonce,
		RedirectURI: req.RedirectURI,
	})
	if err != nil {
		return fail(c, err)
	}

	url, err := h.Provider.AuthCodeURL(req.Provider, state)
	if err != nil {
		return fail(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"url":      url,
		"provider": req.Provider,
	})
}

type oauthCallbackRequest struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	ClientNonce string `json:"client_nonce"`
}

// Callback redeems the state token exactly once, exchanges the provider code,
// and issues session cookies for the resolved account.
func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	var req oauthCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" || req.State == "" {
		return fail(c, services.ErrInvalidOAuthCallbackState)
	}

	payload, err := h.States.Consume(c.Context(), req.State)
	if err != nil {
		return fail(c, err)
	}
	if payload.ClientNonce != "" && payload.ClientNonce != req.ClientNonce {
		return fail(c, services.ErrInvalidAuthState)
	}

	profile, err := h.Provider.Exchange(c.Context(), payload.Provider, req.Code)
	if err != nil {
		return fail(c, err)
	}

	user, err := services.FindOrCreateOAuthUser(c.Context(), h.DB, profile, h.Cfg.Auth.AllowSignUp)
	if err != nil {
		return fail(c, err)
	}

	if user.IsAdmin() {
		ticket, riskLevel, err := h.Auth.MFA.CreateChallenge(c.Context(), user, c.IP(), c.Get("User-Agent"))
		if err != nil {
			return fail(c, err)
		}
		return utils.Success(c, fiber.StatusAccepted, fiber.Map{
			"mfaRequired": true,
			"ticket":      ticket,
			"riskLevel":   riskLevel,
		})
	}

	userSession, err := h.Auth.issueSession(c, user, h.Cfg.Auth.SessionTTL)
	if err != nil {
		return fail(c, err)
	}
	data, err := h.Auth.sessionResponse(user, userSession)
	if err != nil {
		return fail(c, err)
	}
	if payload.RedirectURI != "" {
		data["redirectUri"] = payload.RedirectURI
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:    &user.ID,
		Action:    "auth.sign_in",
		Details:   map[string]interface{}{"method": "oauth", "provider": payload.Provider},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})
	return utils.Success(c, fiber.StatusOK, data)
}
