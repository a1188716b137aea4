package utils

import (
	"regexp"
	"testing"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatal("hash must not equal the password")
	}
	if !CheckPassword("correct horse battery staple", hash) {
		t.Fatal("correct password must verify")
	}
	if CheckPassword("wrong password", hash) {
		t.Fatal("wrong password must not verify")
	}
	if CheckPassword("correct horse battery staple", "not-a-bcrypt-hash") {
		t.Fatal("garbage hash must not verify")
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	b, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	if a == b {
		t.Fatal("two tokens must not collide")
	}
	if matched, _ := regexp.MatchString(`^[A-Za-z0-9_-]+$`, a); !matched {
		t.Fatalf("token %q is not base64url", a)
	}
}

func TestRandomOTP(t *testing.T) {
	otp, err := RandomOTP(6)
	if err != nil {
		t.Fatalf("RandomOTP failed: %v", err)
	}
	if matched, _ := regexp.MatchString(`^[0-9]{6}$`, otp); !matched {
		t.Fatalf("otp %q is not 6 digits", otp)
	}
}

func TestRandomOTPDigitsAreWellDistributed(t *testing.T) {
	counts := make(map[byte]int)
	for i := 0; i < 500; i++ {
		otp, err := RandomOTP(6)
		if err != nil {
			t.Fatalf("RandomOTP failed: %v", err)
		}
		if len(otp) != 6 {
			t.Fatalf("otp %q is not 6 digits", otp)
		}
		for j := 0; j < len(otp); j++ {
			counts[otp[j]]++
		}
	}
	// 3000 digits drawn, ~300 expected per numeral. A numeral missing
	// entirely or wildly skewed points at a broken sampler.
	for d := byte('0'); d <= '9'; d++ {
		if counts[d] < 150 {
			t.Fatalf("numeral %q appeared only %d times in 3000 draws", d, counts[d])
		}
	}
}

func TestHashOTPIsStable(t *testing.T) {
	if HashOTP("123456") != HashOTP("123456") {
		t.Fatal("same code must hash identically")
	}
	if HashOTP("123456") == HashOTP("123457") {
		t.Fatal("different codes must hash differently")
	}
	if HashOTP("123456") == "123456" {
		t.Fatal("hash must not equal the code")
	}
}

func TestDeviceFingerprint(t *testing.T) {
	base := DeviceFingerprint("10.0.0.1", "browser/1.0")
	if base != DeviceFingerprint("10.0.0.1", "browser/1.0") {
		t.Fatal("fingerprint must be deterministic")
	}
	if base == DeviceFingerprint("10.0.0.2", "browser/1.0") {
		t.Fatal("different ip must change the fingerprint")
	}
	if base == DeviceFingerprint("10.0.0.1", "browser/2.0") {
		t.Fatal("different user agent must change the fingerprint")
	}
	// The separator keeps ip/ua boundaries unambiguous.
	if DeviceFingerprint("ab", "c") == DeviceFingerprint("a", "bc") {
		t.Fatal("fingerprint must not be concatenation-ambiguous")
	}
}

func TestConstantTimeEquals(t *testing.T) {
	if !ConstantTimeEquals("same", "same") {
		t.Fatal("equal strings must compare true")
	}
	if ConstantTimeEquals("same", "different") {
		t.Fatal("different strings must compare false")
	}
	if ConstantTimeEquals("same", "sam") {
		t.Fatal("different lengths must compare false")
	}
}
