package handlers

import (
	"errors"
	"net/url"
	"strings"

	"github.com/affine/identity/internal/middleware"
	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/logger"
	"github.com/affine/identity/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

// fail is the single place typed failures become HTTP responses.
func fail(c *fiber.Ctx, err error) error {
	var authErr *services.AuthError
	if errors.As(err, &authErr) {
		return utils.ErrorCode(c, authErr.Status, authErr.Code, authErr.Message)
	}

	var versionErr *services.UnsupportedClientVersionError
	if errors.As(err, &versionErr) {
		return utils.ErrorCodeData(c, fiber.StatusForbidden, "UNSUPPORTED_CLIENT_VERSION", versionErr.Error(), fiber.Map{
			"requiredVersion": versionErr.RequiredVersion,
		})
	}

	logger.Error("request_failed", err, map[string]interface{}{
		"request_id": middleware.GetRequestID(c),
		"path":       c.Path(),
	})
	return utils.Error(c, fiber.StatusInternalServerError, "internal error")
}

func getRequestID(c *fiber.Ctx) string {
	return middleware.GetRequestID(c)
}

// trustedRedirect reports whether target sits under one of the configured
// redirect roots. An empty target is trusted (the default frontend is used).
// Scheme and host must match a root exactly; the path must extend the root's
// path on a "/" boundary, so "http://localhost:3001.evil.example" does not
// pass for the root "http://localhost:3001".
func trustedRedirect(allowed []string, target string) bool {
	if target == "" {
		return true
	}
	dest, err := url.Parse(target)
	if err != nil || dest.Scheme == "" || dest.Host == "" {
		return false
	}
	for _, raw := range allowed {
		root, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || root.Host == "" {
			continue
		}
		if dest.Scheme != root.Scheme || dest.Host != root.Host {
			continue
		}
		rootPath := strings.TrimSuffix(root.Path, "/")
		if rootPath == "" || dest.Path == rootPath || strings.HasPrefix(dest.Path, rootPath+"/") {
			return true
		}
	}
	return false
}
