package security

import (
	"bytes"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && enc == nil {
				t.Fatal("NewEncryptor() returned nil without error")
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	values := [][]byte{
		[]byte("s3cret"),
		[]byte(""),
		bytes.Repeat([]byte("x"), 4096),
	}

	for _, v := range values {
		ciphertext, nonce, err := enc.Encrypt(v)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := enc.Decrypt(ciphertext, nonce)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, v) {
			t.Fatalf("round trip mismatch: got %q want %q", got, v)
		}
	}
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	_, nonce1, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, nonce2, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(nonce1, nonce2) {
		t.Fatal("expected distinct nonces across encryptions")
	}
}

func TestDecryptWrongNonceFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ciphertext, nonce, err := enc.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	nonce[0] ^= 0xFF

	if _, err := enc.Decrypt(ciphertext, nonce); err == nil {
		t.Fatal("expected decryption to fail with a tampered nonce")
	}
}
