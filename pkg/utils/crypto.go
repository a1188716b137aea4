package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// RandomToken returns n random bytes encoded as unpadded base64url, suitable
// for session ids and MFA tickets.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomOTP returns a numeric one-time code of the given length. Bytes at or
// above 250 are rejected so every digit is equally likely.
func RandomOTP(digits int) (string, error) {
	const numerals = "0123456789"
	out := make([]byte, 0, digits)
	buf := make([]byte, digits)
	for len(out) < digits {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, v := range buf {
			if v >= 250 {
				continue
			}
			out = append(out, numerals[v%10])
			if len(out) == digits {
				break
			}
		}
	}
	return string(out), nil
}

// HashOTP hashes a one-time code for storage; raw codes are never persisted.
func HashOTP(otp string) string {
	sum := sha256.Sum256([]byte(otp))
	return hex.EncodeToString(sum[:])
}

// DeviceFingerprint derives a stable device identifier from the client IP and
// user agent of a request.
func DeviceFingerprint(clientIP, userAgent string) string {
	sum := sha256.Sum256([]byte(clientIP + "\x00" + userAgent))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEquals compares two strings without leaking the position of the
// first differing byte.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
