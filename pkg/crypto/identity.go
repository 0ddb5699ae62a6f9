package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// KeyPair is an Ed25519 identity key pair. Both halves are multibase base36
// strings (leading 'k'); the private key is the 64-byte seed||public form.
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// GenerateKeyPair creates a fresh Ed25519 identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	pubStr, err := encode(pub)
	if err != nil {
		return nil, err
	}
	privStr, err := encode(priv)
	if err != nil {
		return nil, err
	}

	return &KeyPair{PrivateKey: privStr, PublicKey: pubStr}, nil
}

// Sign signs message with a base36 private key and returns a base36 signature.
func Sign(privateKey, message string) (string, error) {
	priv, err := decode(privateKey, ed25519.PrivateKeySize)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	return encode(ed25519.Sign(ed25519.PrivateKey(priv), []byte(message)))
}

// Verify checks a base36 signature over message against a base36 public key.
func Verify(publicKey, signature, message string) (bool, error) {
	pub, err := decode(publicKey, ed25519.PublicKeySize)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %w", err)
	}
	sig, err := decode(signature, ed25519.SignatureSize)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig), nil
}

// PublicKeyOf derives the base36 public key from a base36 private key.
func PublicKeyOf(privateKey string) (string, error) {
	priv, err := decode(privateKey, ed25519.PrivateKeySize)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	return encode(ed25519.PrivateKey(priv).Public().(ed25519.PublicKey))
}

// Signer adapts Sign to the signer capability the identity binder consumes.
type Signer struct{}

func (Signer) Sign(privateKey, message string) (string, error) {
	return Sign(privateKey, message)
}

func encode(b []byte) (string, error) {
	s, err := multibase.Encode(multibase.Base36, b)
	if err != nil {
		return "", fmt.Errorf("failed to encode base36: %w", err)
	}
	return s, nil
}

func decode(s string, size int) ([]byte, error) {
	enc, b, err := multibase.Decode(s)
	if err != nil {
		return nil, err
	}
	if enc != multibase.Base36 {
		return nil, fmt.Errorf("expected base36 encoding, got %q", multibase.EncodingToStr[enc])
	}
	if len(b) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}
