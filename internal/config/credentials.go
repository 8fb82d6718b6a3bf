package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
)

// Credentials identify the installable application used by the checkout source.
type Credentials struct {
	// AppID is the application identifier used as the assertion issuer.
	AppID string
	// PrivateKeyPEM is the PEM-encoded RSA signing key.
	PrivateKeyPEM []byte
}

var errMissingCredential = errors.New("required environment variable is not set")

// LoadCredentials reads the application identifier and private key from the
// environment variables named in cfg. The key variable holds either the PEM
// block itself or a path to a file containing it.
func LoadCredentials(cfg *Checkout, getenv func(string) string) (*Credentials, error) {
	appID := strings.TrimSpace(getenv(cfg.AppIDEnv))
	if appID == "" {
		return nil, fmt.Errorf("%s: %w: %w", cfg.AppIDEnv, errMissingCredential, bootstrap.ErrConfiguration)
	}

	key := strings.TrimSpace(getenv(cfg.PrivateKeyEnv))
	if key == "" {
		return nil, fmt.Errorf("%s: %w: %w", cfg.PrivateKeyEnv, errMissingCredential, bootstrap.ErrConfiguration)
	}

	if strings.HasPrefix(key, "-----BEGIN") {
		return &Credentials{AppID: appID, PrivateKeyPEM: []byte(key)}, nil
	}

	contents, err := os.ReadFile(filepath.Clean(key))
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w: %w", cfg.PrivateKeyEnv, err, bootstrap.ErrConfiguration)
	}

	return &Credentials{AppID: appID, PrivateKeyPEM: contents}, nil
}
