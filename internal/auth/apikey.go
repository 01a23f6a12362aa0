package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// API keys travel as "<key id>.<secret>". Only a bcrypt hash of the
// secret is stored; the id half is the lookup handle.

var ErrInvalidAPIKey = errors.New("invalid api key")

// NewAPIKeySecret generates the random secret half of a key.
func NewAPIKeySecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// FormatAPIKey assembles the presentable credential.
func FormatAPIKey(keyID, secret string) string {
	return keyID + "." + secret
}

// SplitAPIKey separates a presented credential into id and secret.
func SplitAPIKey(value string) (keyID, secret string, err error) {
	keyID, secret, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || secret == "" {
		return "", "", ErrInvalidAPIKey
	}
	return keyID, secret, nil
}

// HashAPIKeySecret hashes the secret half for storage.
func HashAPIKeySecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key secret: %w", err)
	}
	return string(hash), nil
}

// VerifyAPIKeySecret compares a presented secret against its stored
// hash.
func VerifyAPIKeySecret(secretHash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}
