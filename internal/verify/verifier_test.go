package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // Using ProtonMail's maintained fork
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
)

type mapFetcher map[string][]byte

func (m mapFetcher) Download(_ context.Context, url string) ([]byte, error) {
	body, ok := m[url]
	if !ok {
		return nil, fmt.Errorf("GET %s: HTTP 404", url)
	}

	return body, nil
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

var payload = []byte("assistant archive bytes")

// TestVerify_ChecksumList matches the payload against SHA256SUMS.
func TestVerify_ChecksumList(t *testing.T) {
	t.Parallel()

	rel := &bootstrap.Release{Artifacts: []bootstrap.Artifact{
		{Name: "assistant.tar.gz", URL: "u/assistant"},
		{Name: "SHA256SUMS", URL: "u/sums"},
	}}
	fetcher := mapFetcher{"u/sums": []byte(digest([]byte("other")) + "  gateway.tar.gz\n" +
		digest(payload) + " *assistant.tar.gz\n")}

	v, err := New(fetcher, true, "")
	require.NoError(t, err)
	require.True(t, v.Enabled())
	require.NoError(t, v.Verify(context.Background(), rel, rel.Artifacts[0], payload))

	err = v.Verify(context.Background(), rel, rel.Artifacts[0], []byte("tampered"))
	require.ErrorIs(t, err, bootstrap.ErrVerification)
}

// TestVerify_PerArtifactChecksum prefers <artifact>.sha256 with a bare digest.
func TestVerify_PerArtifactChecksum(t *testing.T) {
	t.Parallel()

	rel := &bootstrap.Release{Artifacts: []bootstrap.Artifact{
		{Name: "gateway.tar.gz", URL: "u/gateway"},
		{Name: "gateway.tar.gz.sha256", URL: "u/gateway.sha256"},
	}}

	v, err := New(mapFetcher{"u/gateway.sha256": []byte(digest(payload) + "\n")}, true, "")
	require.NoError(t, err)
	require.NoError(t, v.Verify(context.Background(), rel, rel.Artifacts[0], payload))
}

// TestVerify_MissingChecksum fails when checksums are required but unpublished.
func TestVerify_MissingChecksum(t *testing.T) {
	t.Parallel()

	rel := &bootstrap.Release{Artifacts: []bootstrap.Artifact{{Name: "gateway.tar.gz"}}}

	v, err := New(mapFetcher{}, true, "")
	require.NoError(t, err)
	require.ErrorIs(t, v.Verify(context.Background(), rel, rel.Artifacts[0], payload), bootstrap.ErrVerification)
}

// TestVerify_Disabled accepts any payload.
func TestVerify_Disabled(t *testing.T) {
	t.Parallel()

	v, err := New(mapFetcher{}, false, "")
	require.NoError(t, err)
	require.False(t, v.Enabled())
	require.NoError(t, v.Verify(context.Background(), &bootstrap.Release{}, bootstrap.Artifact{Name: "x"}, payload))
}

// TestVerify_Signature signs the payload with a fresh key and checks acceptance and rejection.
func TestVerify_Signature(t *testing.T) {
	t.Parallel()

	entity, err := openpgp.NewEntity("Release Bot", "", "release@example.com", nil)
	require.NoError(t, err)

	var public bytes.Buffer

	w, err := armor.Encode(&public, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	keyPath := filepath.Join(t.TempDir(), "release.asc")
	require.NoError(t, os.WriteFile(keyPath, public.Bytes(), 0o600))

	var signature bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&signature, entity, bytes.NewReader(payload), nil))

	rel := &bootstrap.Release{Artifacts: []bootstrap.Artifact{
		{Name: "assistant.tar.gz", URL: "u/a"},
		{Name: "assistant.tar.gz.asc", URL: "u/a.asc"},
	}}

	v, err := New(mapFetcher{"u/a.asc": signature.Bytes()}, false, keyPath)
	require.NoError(t, err)
	require.NoError(t, v.Verify(context.Background(), rel, rel.Artifacts[0], payload))

	err = v.Verify(context.Background(), rel, rel.Artifacts[0], []byte("tampered"))
	require.ErrorIs(t, err, bootstrap.ErrVerification)

	unsigned := &bootstrap.Release{Artifacts: rel.Artifacts[:1]}
	require.ErrorIs(t, v.Verify(context.Background(), unsigned, rel.Artifacts[0], payload), bootstrap.ErrVerification)
}

// TestNew_BadKey reports an unreadable key as a configuration failure.
func TestNew_BadKey(t *testing.T) {
	t.Parallel()

	_, err := New(mapFetcher{}, false, filepath.Join(t.TempDir(), "missing.asc"))
	require.ErrorIs(t, err, bootstrap.ErrConfiguration)
}

// TestParseChecksum covers the accepted line formats.
func TestParseChecksum(t *testing.T) {
	t.Parallel()

	sum := digest(payload)

	got, err := ParseChecksum([]byte(sum+"  dist/assistant.tar.gz\n"), "assistant.tar.gz")
	require.NoError(t, err)
	require.Equal(t, sum, got)

	_, err = ParseChecksum([]byte(sum+"  other.tar.gz\n"), "assistant.tar.gz")
	require.Error(t, err)

	_, err = ParseChecksum([]byte("nothex  assistant.tar.gz\n"), "assistant.tar.gz")
	require.Error(t, err)
}
