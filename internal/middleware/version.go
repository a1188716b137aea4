package middleware

import (
	"strconv"
	"strings"

	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// ClientVersionGuard rejects clients older than the configured minimum and
// force-signs-out their session so a stale client cannot keep riding a live
// cookie. Requests without a version header pass through.
func ClientVersionGuard(minVersion string, sessions *services.SessionService, secure bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if minVersion == "" {
			return c.Next()
		}
		clientVersion := c.Get(utils.ClientVersionHeaderName)
		if clientVersion == "" || !versionLess(clientVersion, minVersion) {
			return c.Next()
		}

		if sessionID := c.Cookies(utils.SessionCookieName); sessionID != "" {
			_ = sessions.SignOut(c.Context(), sessionID, nil)
		}
		utils.ClearAuthCookies(c, secure)

		err := &services.UnsupportedClientVersionError{
			ClientVersion:   clientVersion,
			RequiredVersion: minVersion,
		}
		return utils.ErrorCodeData(c, fiber.StatusForbidden, "UNSUPPORTED_CLIENT_VERSION", err.Error(), fiber.Map{
			"requiredVersion": minVersion,
		})
	}
}

// versionLess compares dotted numeric versions; non-numeric segments and
// unparseable versions compare as not-less so odd clients are not locked out.
func versionLess(a, b string) bool {
	pa, okA := parseVersion(a)
	pb, okB := parseVersion(b)
	if !okA || !okB {
		return false
	}
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return false
}

func parseVersion(v string) ([3]int, bool) {
	var out [3]int
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if idx := strings.IndexAny(v, "-+"); idx >= 0 {
		v = v[:idx]
	}
	parts := strings.Split(v, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return out, false
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
