package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// APIKeyBytes is the amount of randomness in an issued key.
const APIKeyBytes = 32

// GenerateAPIKey generates a cryptographically secure random API key.
// Format: 64 lowercase hex characters.
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, APIKeyBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
