package credentials

import (
	"bytes"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(0x42))
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	ciphertext, err := c.Encrypt("ya29.secret-token")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(ciphertext, []byte("secret")) {
		t.Error("ciphertext contains plaintext")
	}

	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plaintext != "ya29.secret-token" {
		t.Errorf("Decrypt() = %q", plaintext)
	}
}

func TestCipherUniqueNonces(t *testing.T) {
	c, _ := NewCipher(testKey(0x42))

	a, _ := c.Encrypt("token")
	b, _ := c.Encrypt("token")
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestCipherWrongKey(t *testing.T) {
	c1, _ := NewCipher(testKey(0x01))
	c2, _ := NewCipher(testKey(0x02))

	ciphertext, _ := c1.Encrypt("token")
	if _, err := c2.Decrypt(ciphertext); err == nil {
		t.Error("expected decryption failure with wrong key")
	}
}

func TestCipherInvalidInputs(t *testing.T) {
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}

	c, _ := NewCipher(testKey(0x42))
	if _, err := c.Decrypt([]byte{0x01, 0x02}); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}
