package middleware

import (
	"strings"

	"github.com/affine/identity/internal/models"
	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/logger"
	"github.com/affine/identity/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/google/uuid"
)

const (
	currentUserKey        = "currentUser"
	currentUserSessionKey = "currentUserSession"
)

type AuthMiddleware struct {
	Sessions *services.SessionService
	Secure   bool
}

func NewAuthMiddleware(sessions *services.SessionService, secure bool) *AuthMiddleware {
	return &AuthMiddleware{Sessions: sessions, Secure: secure}
}

func CORS(frontendURL string) fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins:     frontendURL,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, " + utils.CSRFHeaderName + ", " + utils.ClientVersionHeaderName,
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
	})
}

// resolve finds the requesting identity: session cookie first, bearer token
// second. The user-id cookie is only a hint; the session's actual bindings
// decide. Returns nils when the request is anonymous.
func (a *AuthMiddleware) resolve(c *fiber.Ctx) (*models.User, *models.UserSession, error) {
	if sessionID := c.Cookies(utils.SessionCookieName); sessionID != "" {
		var userHint *uuid.UUID
		if raw := c.Cookies(utils.UserIDCookieName); raw != "" {
			if parsed, err := uuid.Parse(raw); err == nil {
				userHint = &parsed
			}
		}

		pair, err := a.Sessions.GetUserSession(c.Context(), sessionID, userHint)
		if err != nil {
			return nil, nil, err
		}
		if pair != nil {
			a.refreshSession(c, &pair.User, &pair.UserSession)
			return &pair.User, &pair.UserSession, nil
		}
	}

	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return nil, nil, nil
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if tokenString == authHeader || tokenString == "" {
		logger.Warn("jwt_invalid_format", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return nil, nil, nil
	}

	claims, err := utils.ValidateToken(tokenString)
	if err != nil {
		logger.Warn("jwt_validation_failed", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		return nil, nil, nil
	}

	// The token is only honored while the session it was minted under still
	// has a live binding for its user, so sign-out and revocation apply to
	// bearer clients too.
	if claims.SessionID == "" {
		return nil, nil, nil
	}
	pair, err := a.Sessions.GetUserSession(c.Context(), claims.SessionID, &claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	if pair == nil || pair.User.ID != claims.UserID {
		logger.Warn("jwt_session_revoked", map[string]interface{}{
			"ip":      c.IP(),
			"path":    c.Path(),
			"user_id": claims.UserID.String(),
		})
		return nil, nil, nil
	}
	return &pair.User, &pair.UserSession, nil
}

// refreshSession slides the binding's expiry once it enters the refresh
// window and re-issues the cookie triple with a fresh CSRF token.
func (a *AuthMiddleware) refreshSession(c *fiber.Ctx, user *models.User, userSession *models.UserSession) {
	clientVersion := c.Get(utils.ClientVersionHeaderName)
	newExpiry, err := a.Sessions.RefreshIfNeeded(c.Context(), userSession, clientVersion)
	if err != nil {
		logger.Error("session_refresh_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return
	}
	if newExpiry == nil {
		return
	}

	csrfToken, err := utils.NewCSRFToken()
	if err != nil {
		return
	}
	utils.SetAuthCookies(c, userSession.SessionID, csrfToken, user.ID.String(), *newExpiry, a.Secure)
}

func (a *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	user, userSession, err := a.resolve(c)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to resolve session")
	}
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	c.Locals(currentUserKey, user)
	if userSession != nil {
		c.Locals(currentUserSessionKey, userSession)
	}
	return c.Next()
}

func (a *AuthMiddleware) OptionalAuth(c *fiber.Ctx) error {
	user, userSession, err := a.resolve(c)
	if err == nil && user != nil {
		c.Locals(currentUserKey, user)
		if userSession != nil {
			c.Locals(currentUserSessionKey, userSession)
		}
	}
	return c.Next()
}

func AdminOnly(c *fiber.Ctx) error {
	user := GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	if !user.IsAdmin() {
		return utils.ErrorCode(c, fiber.StatusForbidden, "ACTION_FORBIDDEN", "admin access required")
	}
	return c.Next()
}

func GetCurrentUser(c *fiber.Ctx) *models.User {
	value := c.Locals(currentUserKey)
	if value == nil {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}

func GetCurrentUserSession(c *fiber.Ctx) *models.UserSession {
	value := c.Locals(currentUserSessionKey)
	if value == nil {
		return nil
	}
	userSession, ok := value.(*models.UserSession)
	if !ok {
		return nil
	}
	return userSession
}
