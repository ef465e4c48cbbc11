package auth

import (
	"strings"
	"testing"
)

func TestPasswordRoundTrip(t *testing.T) {
	stored, err := HashPassword("s3cret!")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(stored, "pbkdf2_sha256$") {
		t.Fatalf("unexpected credential format: %q", stored)
	}
	if !VerifyPassword(stored, "s3cret!") {
		t.Fatal("correct password did not verify")
	}
	if VerifyPassword(stored, "wrong") {
		t.Fatal("wrong password verified")
	}
}

func TestPasswordSaltVaries(t *testing.T) {
	a, err := HashPassword("same")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	b, err := HashPassword("same")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password are identical")
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"bcrypt$10$abcd$efgh",
		"pbkdf2_sha256$0$aa$bb",
		"pbkdf2_sha256$notanumber$aa$bb",
		"pbkdf2_sha256$100000$zz$bb",
		"pbkdf2_sha256$100000$aa$",
	}
	for _, stored := range cases {
		if VerifyPassword(stored, "anything") {
			t.Fatalf("malformed credential %q verified", stored)
		}
	}
}
