package cryptobox

import (
	"bytes"
	"testing"

	"github.com/keyxmakerx/relay/internal/apperror"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box := New("test-master-key")

	cases := [][]byte{
		[]byte("session-plaintext"),
		[]byte(""),
		[]byte("exactly sixteen."),             // one full block
		bytes.Repeat([]byte{0xAB}, 1024),       // binary payload
		[]byte("1BVtsOKAAAAA...base64-ish..."), // realistic session string
	}

	for _, plaintext := range cases {
		ct, err := box.Encrypt(42, plaintext)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := box.Decrypt(42, ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestDecryptWrongUserFails(t *testing.T) {
	box := New("test-master-key")

	ct, err := box.Encrypt(42, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := box.Decrypt(43, ct); err == nil {
		t.Fatal("expected decrypt with another user's key to fail")
	} else if !apperror.IsKind(err, apperror.KindCryptoTampered) {
		t.Errorf("expected crypto_tampered, got %v", err)
	}
}

func TestDecryptTamperedFails(t *testing.T) {
	box := New("test-master-key")

	ct, err := box.Encrypt(42, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip one bit inside the base64 payload. Either base64 decoding or the
	// HMAC check must reject it; plaintext must never come back.
	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)/2] ^= 0x01

	if _, err := box.Decrypt(42, tampered); err == nil {
		t.Fatal("expected tampered token to fail decryption")
	}
}

func TestDecryptGarbageFails(t *testing.T) {
	box := New("k")

	for _, in := range []string{"", "not-base64!!", "aGVsbG8="} {
		if _, err := box.Decrypt(1, []byte(in)); err == nil {
			t.Errorf("Decrypt(%q): expected error", in)
		}
	}
}

func TestDerivedKeysDifferPerUser(t *testing.T) {
	box := New("test-master-key")

	a := box.deriveKey(1)
	b := box.deriveKey(2)
	if bytes.Equal(a, b) {
		t.Error("expected different users to derive different keys")
	}

	// Same user derives deterministically.
	if !bytes.Equal(a, box.deriveKey(1)) {
		t.Error("expected derivation to be deterministic")
	}
}

func TestHash(t *testing.T) {
	// Fixed vector: sha256("abc").
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Hash([]byte("abc")); got != want {
		t.Errorf("Hash: got %s want %s", got, want)
	}
}
