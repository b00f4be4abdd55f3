package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// KeyPair is an ephemeral SSH keypair generated per container (spec §4.2
// step 2): both halves are stored as secrets keyed by the container id.
type KeyPair struct {
	PrivateKeyPEM []byte
	PublicKeyAuth []byte // authorized_keys format
}

// GenerateSSHKeyPair creates an ed25519 SSH keypair.
func GenerateSSHKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("derive ssh public key: %w", err)
	}

	pemBlock, err := marshalED25519PrivateKeyPEM(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal ssh private key: %w", err)
	}

	return &KeyPair{
		PrivateKeyPEM: pemBlock,
		PublicKeyAuth: ssh.MarshalAuthorizedKey(sshPub),
	}, nil
}

// marshalED25519PrivateKeyPEM emits an OpenSSH-format PEM block for an
// ed25519 private key, the format ssh.ParsePrivateKey reads back when the
// watch loop's SSH probe authenticates with it.
func marshalED25519PrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}
