package crypto

import (
	"strings"
	"testing"
	"time"
)

// RFC 6238 appendix B test vectors (SHA1, 8 digits, 30s period).
func TestHOTP_RFC6238Vectors(t *testing.T) {
	secret := []byte("12345678901234567890")

	tests := []struct {
		unix     int64
		expected string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
	}

	for _, tt := range tests {
		got := HOTP(secret, tt.unix/30, 8)
		if got != tt.expected {
			t.Errorf("t=%d: expected %s, got %s", tt.unix, tt.expected, got)
		}
	}
}

func TestVerifyTOTP_SkewWindow(t *testing.T) {
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0)
	period, digits, skew := 30, 6, 1

	tests := []struct {
		name   string
		offset int64 // steps relative to now
		want   bool
	}{
		{"current step", 0, true},
		{"previous step", -1, true},
		{"next step", 1, true},
		{"two steps back", -2, false},
		{"two steps ahead", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codeTime := now.Add(time.Duration(tt.offset) * 30 * time.Second)
			code := TOTPAt(secret, codeTime, period, digits)

			ok, _ := VerifyTOTP(secret, code, now, period, digits, skew, 0)
			if ok != tt.want {
				t.Errorf("offset %d: expected %v, got %v", tt.offset, tt.want, ok)
			}
		})
	}
}

func TestVerifyTOTP_ReplayRejected(t *testing.T) {
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0)

	code := TOTPAt(secret, now, 30, 6)
	ok, counter := VerifyTOTP(secret, code, now, 30, 6, 1, 0)
	if !ok {
		t.Fatal("first verification should succeed")
	}

	ok, _ = VerifyTOTP(secret, code, now, 30, 6, 1, counter)
	if ok {
		t.Error("replay of the same counter should fail")
	}
}

func TestVerifyTOTP_RejectsMalformedCodes(t *testing.T) {
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0)

	for _, code := range []string{"", "12345", "1234567", "12345a"} {
		if ok, _ := VerifyTOTP(secret, code, now, 30, 6, 1, 0); ok {
			t.Errorf("code %q should be rejected", code)
		}
	}
}

func TestNewTOTPSecret_Entropy(t *testing.T) {
	raw, b32, err := NewTOTPSecret()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raw) != 20 {
		t.Errorf("expected 20 bytes (160 bits), got %d", len(raw))
	}
	if b32 == "" {
		t.Error("expected base32 encoding")
	}

	_, b32b, _ := NewTOTPSecret()
	if b32 == b32b {
		t.Error("two generated secrets should differ")
	}
}

func TestNewBackupCodes_Format(t *testing.T) {
	codes, err := NewBackupCodes(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}

	seen := make(map[string]bool)
	for _, c := range codes {
		if len(c) != 9 || c[4] != '-' {
			t.Errorf("code %q not in XXXX-XXXX form", c)
		}
		if seen[c] {
			t.Errorf("duplicate code %q", c)
		}
		seen[c] = true
	}
}

func TestProvisioningURI(t *testing.T) {
	uri := ProvisioningURI("gatekeeper", "user@example.com", "SECRETB32", 6, 30)

	if uri[:15] != "otpauth://totp/" {
		t.Errorf("unexpected scheme: %s", uri)
	}
	for _, want := range []string{"secret=SECRETB32", "issuer=gatekeeper", "digits=6", "period=30"} {
		if !strings.Contains(uri, want) {
			t.Errorf("URI missing %q: %s", want, uri)
		}
	}
}
