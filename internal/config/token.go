package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GetAPIToken returns the bearer token guarding the local REST API. A token
// is generated and persisted to the keychain on first use; LECTERN_API_TOKEN
// overrides it.
func GetAPIToken() (string, error) {
	if v := os.Getenv("LECTERN_API_TOKEN"); v != "" {
		return v, nil
	}
	if tok, err := keychainGet(keychainService, accountAPIToken); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.NewString()
	if err := keychainSet(keychainService, accountAPIToken, tok); err != nil {
		return "", fmt.Errorf("persisting api token: %w", err)
	}
	return tok, nil
}
