package verify

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/logger"
)

// Fetcher downloads companion files.
type Fetcher interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Verifier checks payloads of one release.
type Verifier struct {
	fetcher   Fetcher
	checksums bool
	keyring   openpgp.EntityList
}

var (
	errNoChecksumAsset  = errors.New("no checksum file published for artifact")
	errNoChecksumEntry  = errors.New("checksum file has no entry for artifact")
	errChecksumMismatch = errors.New("checksum mismatch")
	errNoSignatureAsset = errors.New("no signature published for artifact")
	errEmptyKeyring     = errors.New("signing key file holds no keys")
)

// checksumFiles are release-wide checksum lists, tried in order.
//
//nolint:gochecknoglobals // Read-only lookup table.
var checksumFiles = []string{"SHA256SUMS", "SHA256SUMS.txt", "checksums.txt"}

// New creates a Verifier. Checksums are required when checksums is true; a
// signature is required when signingKeyPath names an armored or binary public
// key file. With neither, Verify accepts every payload.
func New(fetcher Fetcher, checksums bool, signingKeyPath string) (*Verifier, error) {
	v := &Verifier{
		fetcher:   fetcher,
		checksums: checksums,
	}

	if signingKeyPath == "" {
		return v, nil
	}

	keyring, err := loadKeyring(signingKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w: %w", err, bootstrap.ErrConfiguration)
	}

	v.keyring = keyring

	return v, nil
}

// Enabled reports whether Verify checks anything.
func (v *Verifier) Enabled() bool {
	return v.checksums || len(v.keyring) > 0
}

// Verify checks payload, the downloaded body of artifact, against the
// companions found in rel. Mismatches wrap bootstrap.ErrVerification.
func (v *Verifier) Verify(ctx context.Context, rel *bootstrap.Release, artifact bootstrap.Artifact, payload []byte) error {
	if v.checksums {
		if err := v.verifyChecksum(ctx, rel, artifact, payload); err != nil {
			return fmt.Errorf("%s: %w: %w", artifact.Name, bootstrap.ErrVerification, err)
		}

		logger.DebugKV(ctx, "Checksum verified", "artifact", artifact.Name)
	}

	if len(v.keyring) > 0 {
		if err := v.verifySignature(ctx, rel, artifact, payload); err != nil {
			return fmt.Errorf("%s: %w: %w", artifact.Name, bootstrap.ErrVerification, err)
		}

		logger.DebugKV(ctx, "Signature verified", "artifact", artifact.Name)
	}

	return nil
}

func (v *Verifier) verifyChecksum(
	ctx context.Context,
	rel *bootstrap.Release,
	artifact bootstrap.Artifact,
	payload []byte,
) error {
	expected, err := v.expectedChecksum(ctx, rel, artifact)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(payload)
	actual := hex.EncodeToString(sum[:])

	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: expected %s, got %s", errChecksumMismatch, expected, actual)
	}

	return nil
}

func (v *Verifier) expectedChecksum(ctx context.Context, rel *bootstrap.Release, artifact bootstrap.Artifact) (string, error) {
	if companion, ok := rel.Lookup(artifact.Name + ".sha256"); ok {
		contents, err := v.fetcher.Download(ctx, companion.URL)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", companion.Name, err)
		}

		return ParseChecksum(contents, artifact.Name)
	}

	for _, name := range checksumFiles {
		companion, ok := rel.Lookup(name)
		if !ok {
			continue
		}

		contents, err := v.fetcher.Download(ctx, companion.URL)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", companion.Name, err)
		}

		return ParseChecksum(contents, artifact.Name)
	}

	return "", errNoChecksumAsset
}

func (v *Verifier) verifySignature(
	ctx context.Context,
	rel *bootstrap.Release,
	artifact bootstrap.Artifact,
	payload []byte,
) error {
	for _, suffix := range []string{".asc", ".sig"} {
		companion, ok := rel.Lookup(artifact.Name + suffix)
		if !ok {
			continue
		}

		signature, err := v.fetcher.Download(ctx, companion.URL)
		if err != nil {
			return fmt.Errorf("download %s: %w", companion.Name, err)
		}

		return CheckDetachedSignature(v.keyring, payload, signature)
	}

	return errNoSignatureAsset
}

// CheckDetachedSignature verifies an armored or binary detached signature of payload.
func CheckDetachedSignature(keyring openpgp.EntityList, payload, signature []byte) error {
	_, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(payload), bytes.NewReader(signature), nil)
	if err == nil {
		return nil
	}

	if _, binErr := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(payload), bytes.NewReader(signature), nil); binErr != nil {
		return fmt.Errorf("verify signature: %w", err)
	}

	return nil
}

// ParseChecksum finds the SHA-256 digest of name in a checksum list. Lines use
// the sha256sum format "<hex>  <name>" or "<hex> *<name>"; a file holding a
// single bare digest applies to whichever artifact it accompanies.
func ParseChecksum(contents []byte, name string) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(contents))

	var bare []string

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())

		switch len(fields) {
		case 0:
			continue
		case 1:
			if isHexDigest(fields[0]) {
				bare = append(bare, fields[0])
			}
		default:
			entry := strings.TrimPrefix(fields[len(fields)-1], "*")
			if (entry == name || filepath.Base(entry) == name) && isHexDigest(fields[0]) {
				return strings.ToLower(fields[0]), nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read checksum file: %w", err)
	}

	if len(bare) == 1 {
		return strings.ToLower(bare[0]), nil
	}

	return "", fmt.Errorf("%s: %w", name, errNoChecksumEntry)
}

func isHexDigest(value string) bool {
	if len(value) != sha256.Size*2 {
		return false
	}

	_, err := hex.DecodeString(value)

	return err == nil
}

func loadKeyring(path string) (openpgp.EntityList, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(contents))
	if err != nil {
		keyring, err = openpgp.ReadKeyRing(bytes.NewReader(contents))
		if err != nil {
			return nil, fmt.Errorf("read keyring: %w", err)
		}
	}

	if len(keyring) == 0 {
		return nil, errEmptyKeyring
	}

	return keyring, nil
}
