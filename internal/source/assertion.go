package source

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const (
	// assertionSkew backdates issued-at against clock drift on the server.
	assertionSkew = 60 * time.Second
	// assertionLifetime is the longest lifetime the token exchange accepts.
	assertionLifetime = 10 * time.Minute
)

var (
	errNoPEMBlock = errors.New("private key is not PEM encoded")
	errNotRSA     = errors.New("private key is not RSA")
)

// SignAssertion returns an RS256 JWT identifying the application appID,
// issued 60 seconds before now and expiring 10 minutes after it.
func SignAssertion(appID string, privateKeyPEM []byte, now time.Time) (string, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	claims := jwt.Claims{
		Issuer:   appID,
		IssuedAt: jwt.NewNumericDate(now.Add(-assertionSkew)),
		Expiry:   jwt.NewNumericDate(now.Add(assertionLifetime)),
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}

	return token, nil
}

// ParsePrivateKey decodes a PKCS#1 or PKCS#8 RSA key.
func ParsePrivateKey(privateKeyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errNoPEMBlock
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errNotRSA
	}

	return key, nil
}
