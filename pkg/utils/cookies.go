package utils

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	SessionCookieName = "affine_session"
	CSRFCookieName    = "affine_csrf_token"
	UserIDCookieName  = "affine_user_id"

	CSRFHeaderName          = "x-affine-csrf-token"
	ClientVersionHeaderName = "x-affine-version"

	csrfTokenBytes = 24
)

// SetAuthCookies writes the cookie triple after authentication. The session
// cookie is the only httpOnly one: the CSRF cookie must be readable for the
// double-submit header, and the user-id cookie is a client-managed hint for
// account switching that the server re-verifies on every use.
func SetAuthCookies(c *fiber.Ctx, sessionID, csrfToken, userID string, expires time.Time, secure bool) {
	c.Cookie(&fiber.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	c.Cookie(&fiber.Cookie{
		Name:     CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: false,
		Secure:   secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	c.Cookie(&fiber.Cookie{
		Name:     UserIDCookieName,
		Value:    userID,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: false,
		Secure:   secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

func ClearAuthCookies(c *fiber.Ctx, secure bool) {
	expired := time.Now().Add(-time.Hour)
	for _, name := range []string{SessionCookieName, CSRFCookieName, UserIDCookieName} {
		c.Cookie(&fiber.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Expires:  expired,
			Secure:   secure,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
	}
}

func NewCSRFToken() (string, error) {
	return RandomToken(csrfTokenBytes)
}
