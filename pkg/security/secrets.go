// Package security implements secret encryption and ephemeral SSH keypair
// generation for the Create path (spec §4.2 step 2, §4.6).
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Encryptor encrypts and decrypts secret values with AES-256-GCM. Unlike
// the teacher's SecretsManager, which prepends the nonce to the
// ciphertext, fluxpod's Secret row (spec §3/§4.6) stores encrypted_value
// and nonce as separate columns, so Encrypt/Decrypt take and return them
// independently.
type Encryptor struct {
	key []byte // 32 bytes, AES-256
}

// NewEncryptor builds an Encryptor from a 32-byte process secret. The key
// is read once at process start and never rotated at runtime.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &Encryptor{key: key}, nil
}

// Encrypt returns ciphertext and a freshly generated nonce.
func (e *Encryptor) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt is pure given the key: decrypt(encrypt(v, k, n), k, n) == v for
// any nonce n that Encrypt produced (spec §8 invariant 5).
func (e *Encryptor) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

func (e *Encryptor) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
