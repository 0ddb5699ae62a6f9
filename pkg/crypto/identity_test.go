package crypto

import (
	"strings"
	"testing"
)

func TestGenerateSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair error: %v", err)
	}
	if !strings.HasPrefix(kp.PublicKey, "k") || !strings.HasPrefix(kp.PrivateKey, "k") {
		t.Fatalf("keys should carry the base36 multibase prefix: %+v", kp)
	}

	sig, err := Sign(kp.PrivateKey, "u1@nasselle.com")
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}

	ok, err := Verify(kp.PublicKey, sig, "u1@nasselle.com")
	if err != nil || !ok {
		t.Fatalf("expected signature to verify, ok=%v err=%v", ok, err)
	}

	ok, err = Verify(kp.PublicKey, sig, "u2@nasselle.com")
	if err != nil || ok {
		t.Fatalf("expected signature over another message to fail, ok=%v err=%v", ok, err)
	}
}

func TestPublicKeyOf(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair error: %v", err)
	}
	pub, err := PublicKeyOf(kp.PrivateKey)
	if err != nil {
		t.Fatalf("PublicKeyOf error: %v", err)
	}
	if pub != kp.PublicKey {
		t.Fatalf("derived public key does not match generated public key")
	}
}

func TestSign_RejectsMalformedKeys(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair error: %v", err)
	}

	cases := map[string]string{
		"not multibase":     "!!!",
		"public as private": kp.PublicKey,
		"empty":             "",
	}
	for name, key := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Sign(key, "msg"); err == nil {
				t.Fatalf("expected error for %q", key)
			}
		})
	}
}

func TestSigner(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair error: %v", err)
	}
	sig, err := Signer{}.Sign(kp.PrivateKey, "hello")
	if err != nil {
		t.Fatalf("Signer.Sign error: %v", err)
	}
	if ok, _ := Verify(kp.PublicKey, sig, "hello"); !ok {
		t.Fatal("expected Signer output to verify")
	}
}
