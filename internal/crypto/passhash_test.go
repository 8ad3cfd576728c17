package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes(t *testing.T) {
	t.Parallel()

	const n = 32
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal", n)
	}
}

func TestHashPassword_SensitivityToInputs(t *testing.T) {
	t.Parallel()

	pw := []byte("do-re-mi-fa-sol")
	salt := []byte("sixteen-byte-salt")

	h1 := HashPassword(pw, salt)
	h2 := HashPassword(pw, salt)
	if len(h1) == 0 || !bytes.Equal(h1, h2) {
		t.Fatalf("hash must be deterministic for identical inputs")
	}
	if bytes.Equal(h1, HashPassword(pw, []byte("a-different-salt"))) {
		t.Fatalf("hash should differ when salt differs")
	}
	if bytes.Equal(h1, HashPassword([]byte("do-re-mi-fa-SOL"), salt)) {
		t.Fatalf("hash should differ when password differs")
	}
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	pw := []byte("correct horse battery staple")
	salt := []byte("salty-salt-123456")
	hash := HashPassword(pw, salt)

	if !VerifyPassword(pw, salt, hash) {
		t.Fatalf("expected true for correct password")
	}
	if VerifyPassword([]byte("wrong"), salt, hash) {
		t.Fatalf("expected false for wrong password")
	}
	if VerifyPassword(pw, []byte("wrong-salt-00000"), hash) {
		t.Fatalf("expected false for wrong salt")
	}
}
