package services

import "github.com/gofiber/fiber/v2"

// AuthError is a typed, user-presentable failure. Handlers translate these to
// HTTP responses in exactly one place (handlers.fail); everything below the
// transport raises them as ordinary error values.
type AuthError struct {
	Code    string
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

var (
	// Uniform for unknown email and bad password, so responses cannot be
	// used to enumerate accounts.
	ErrWrongSignInCredentials = &AuthError{
		Code:    "WRONG_SIGN_IN_CREDENTIALS",
		Status:  fiber.StatusBadRequest,
		Message: "wrong email or password",
	}

	// The account exists but was created through OAuth or magic link and
	// has no password to check.
	ErrWrongSignInMethod = &AuthError{
		Code:    "WRONG_SIGN_IN_METHOD",
		Status:  fiber.StatusBadRequest,
		Message: "sign in with the method you used to create this account",
	}

	ErrInvalidEmail = &AuthError{
		Code:    "INVALID_EMAIL",
		Status:  fiber.StatusBadRequest,
		Message: "invalid email address",
	}

	ErrSignUpForbidden = &AuthError{
		Code:    "SIGN_UP_FORBIDDEN",
		Status:  fiber.StatusForbidden,
		Message: "sign up is not allowed",
	}

	ErrActionForbidden = &AuthError{
		Code:    "ACTION_FORBIDDEN",
		Status:  fiber.StatusForbidden,
		Message: "action forbidden",
	}

	// Deliberately generic: covers expired/forged/replayed tickets, OTP
	// fingerprint mismatches, and nonce mismatches without revealing which
	// check failed.
	ErrInvalidAuthState = &AuthError{
		Code:    "INVALID_AUTH_STATE",
		Status:  fiber.StatusBadRequest,
		Message: "invalid auth state",
	}

	ErrInvalidEmailToken = &AuthError{
		Code:    "INVALID_EMAIL_TOKEN",
		Status:  fiber.StatusBadRequest,
		Message: "invalid or expired email token",
	}

	ErrEmailTokenNotFound = &AuthError{
		Code:    "EMAIL_TOKEN_NOT_FOUND",
		Status:  fiber.StatusBadRequest,
		Message: "email token not found",
	}

	ErrOAuthStateExpired = &AuthError{
		Code:    "OAUTH_STATE_EXPIRED",
		Status:  fiber.StatusBadRequest,
		Message: "oauth state expired, please sign in again",
	}

	ErrInvalidOAuthCallbackState = &AuthError{
		Code:    "INVALID_OAUTH_CALLBACK_STATE",
		Status:  fiber.StatusBadRequest,
		Message: "invalid oauth callback state",
	}

	ErrUnknownOAuthProvider = &AuthError{
		Code:    "UNKNOWN_OAUTH_PROVIDER",
		Status:  fiber.StatusBadRequest,
		Message: "unknown oauth provider",
	}
)

// UnsupportedClientVersionError carries the minimum version the server still
// accepts; stale clients are force-signed-out and told what to upgrade to.
type UnsupportedClientVersionError struct {
	ClientVersion   string
	RequiredVersion string
}

func (e *UnsupportedClientVersionError) Error() string {
	return "unsupported client version " + e.ClientVersion + ", minimum supported is " + e.RequiredVersion
}
