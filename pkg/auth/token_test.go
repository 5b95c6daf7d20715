package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Helper to generate fresh keys for each test
func generateTestKeys(t *testing.T) ([]byte, []byte) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(privateKey)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privBytes,
	})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return privPEM, pubPEM
}

func TestTokenLifecycle(t *testing.T) {
	privPEM, pubPEM := generateTestKeys(t)
	signer, err := NewSigner(privPEM, pubPEM, "test-issuer")
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	userID := uuid.New()

	token, err := signer.GenerateToken(userID, "trader", true, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := signer.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}

	if claims.Subject != userID.String() {
		t.Errorf("got subject %s, want %s", claims.Subject, userID)
	}
	if claims.Role != "trader" {
		t.Errorf("got role %s, want trader", claims.Role)
	}
	if !claims.Verified {
		t.Error("expected verified claim to be true")
	}
	parsed, err := claims.UserID()
	if err != nil || parsed != userID {
		t.Errorf("UserID() = %v, %v; want %s", parsed, err, userID)
	}
}

func TestSecurityScenarios(t *testing.T) {
	privPEM, pubPEM := generateTestKeys(t)
	signer, _ := NewSigner(privPEM, pubPEM, "test-issuer")

	t.Run("expired token rejected", func(t *testing.T) {
		token, err := signer.GenerateToken(uuid.New(), "trader", true, -time.Minute)
		if err != nil {
			t.Fatalf("GenerateToken failed: %v", err)
		}
		if _, err := signer.ValidateToken(token); err == nil {
			t.Error("Expected error for expired token, got nil")
		}
	})

	t.Run("token from another issuer rejected", func(t *testing.T) {
		otherPriv, otherPub := generateTestKeys(t)
		other, _ := NewSigner(otherPriv, otherPub, "other-issuer")
		token, err := other.GenerateToken(uuid.New(), "trader", true, time.Minute)
		if err != nil {
			t.Fatalf("GenerateToken failed: %v", err)
		}
		if _, err := signer.ValidateToken(token); err == nil {
			t.Error("Expected error for foreign token, got nil")
		}
	})

	t.Run("tampered token rejected", func(t *testing.T) {
		token, _ := signer.GenerateToken(uuid.New(), "trader", true, time.Minute)
		if _, err := signer.ValidateToken(token + "x"); err == nil {
			t.Error("Expected error for tampered token, got nil")
		}
	})

	t.Run("validate-only signer cannot sign", func(t *testing.T) {
		verifier, err := NewSignerFromPublicKey(pubPEM, "test-issuer")
		if err != nil {
			t.Fatalf("NewSignerFromPublicKey failed: %v", err)
		}
		if _, err := verifier.GenerateToken(uuid.New(), "trader", true, time.Minute); err == nil {
			t.Error("Expected error signing without private key, got nil")
		}
	})
}
