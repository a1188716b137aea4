package utils

import "github.com/gofiber/fiber/v2"

func Success(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// ErrorCode is Error plus a stable machine-readable code clients can branch on.
func ErrorCode(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"code":    code,
		"error":   message,
	})
}

// ErrorCodeData carries extra metadata alongside the code, e.g. the minimum
// supported client version on an outdated-client rejection.
func ErrorCodeData(c *fiber.Ctx, status int, code, message string, data fiber.Map) error {
	payload := fiber.Map{
		"success": false,
		"code":    code,
		"error":   message,
	}
	for k, v := range data {
		payload[k] = v
	}
	return c.Status(status).JSON(payload)
}
