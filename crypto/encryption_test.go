package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	plaintext := []byte("hello relay")
	sealed, err := Seal(key, plaintext, []byte("ad"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatalf("sealed output contains plaintext")
	}

	opened, err := Open(key, sealed, []byte("ad"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("opened plaintext does not match original")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, SymmetricKeySize)
	sealed, err := Seal(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := Open(key, sealed, nil); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	if _, err := Open(key, sealed[:4], nil); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for short input, got %v", err)
	}
}

func TestSealRejectsBadKeyLength(t *testing.T) {
	if _, err := Seal([]byte("short"), []byte("x"), nil); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestDeriveKeyIsDeterministicPerInfo(t *testing.T) {
	secret := []byte("secret material")

	a, err := DeriveKey(secret, "one")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	b, err := DeriveKey(secret, "one")
	if err != nil {
		t.Fatalf("DeriveKey repeat failed: %v", err)
	}
	c, err := DeriveKey(secret, "two")
	if err != nil {
		t.Fatalf("DeriveKey other info failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected same key for same info")
	}
	if bytes.Equal(a, c) {
		t.Fatalf("expected different key for different info")
	}
}

func TestWipeZeroesBuffer(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	Wipe(buf)
	if !bytes.Equal(buf, make([]byte, 4)) {
		t.Fatalf("expected zeroed buffer, got %v", buf)
	}
}
