package release

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/download"
)

const latestBody = `{
  "tag_name": "v2.1.0",
  "assets": [
    {"name": "assistant-2.1.0.tar.gz", "browser_download_url": "https://dl/assistant.tgz", "size": 10},
    {"name": "assistant-2.1.0.tar.gz.asc", "browser_download_url": "https://dl/assistant.tgz.asc"},
    {"name": "gateway-2.1.0.tar.gz", "browser_download_url": "https://dl/gateway.tgz", "size": 20},
    {"name": "SHA256SUMS", "browser_download_url": "https://dl/SHA256SUMS"}
  ]
}`

func newIndex(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/assistant/releases/latest" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

// TestResolve_Latest decodes tag and artifacts in index order.
func TestResolve_Latest(t *testing.T) {
	t.Parallel()

	srv := newIndex(t, http.StatusOK, latestBody)

	rel, err := NewResolver(download.New(), srv.URL+"/", "acme/assistant").Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v2.1.0", rel.Tag)
	require.Len(t, rel.Artifacts, 4)
	require.Equal(t, "https://dl/assistant.tgz", rel.Artifacts[0].URL)
	require.EqualValues(t, 20, rel.Artifacts[2].Size)
}

// TestResolve_NotFound keeps the 404 detectable through the resolution error.
func TestResolve_NotFound(t *testing.T) {
	t.Parallel()

	srv := newIndex(t, http.StatusNotFound, `{"message":"Not Found"}`)

	_, err := NewResolver(download.New(), srv.URL, "acme/assistant").Resolve(context.Background())
	require.ErrorIs(t, err, bootstrap.ErrResolution)
	require.ErrorIs(t, err, bootstrap.ErrPermanentDownload)
	require.True(t, download.IsNotFound(err))
}

// TestResolve_Malformed covers undecodable bodies, missing tags and bad repository ids.
func TestResolve_Malformed(t *testing.T) {
	t.Parallel()

	srv := newIndex(t, http.StatusOK, `{"assets": []}`)
	_, err := NewResolver(download.New(), srv.URL, "acme/assistant").Resolve(context.Background())
	require.ErrorIs(t, err, bootstrap.ErrResolution)

	srv = newIndex(t, http.StatusOK, `not json`)
	_, err = NewResolver(download.New(), srv.URL, "acme/assistant").Resolve(context.Background())
	require.ErrorIs(t, err, bootstrap.ErrResolution)

	_, err = NewResolver(download.New(), srv.URL, "acme").Resolve(context.Background())
	require.ErrorIs(t, err, bootstrap.ErrResolution)
}

// TestFindArtifact selects the first archive and skips companions.
func TestFindArtifact(t *testing.T) {
	t.Parallel()

	rel := &bootstrap.Release{
		Tag: "v1",
		Artifacts: []bootstrap.Artifact{
			{Name: "assistant-1.tar.gz.asc"},
			{Name: "assistant-1.tar.gz"},
			{Name: "assistant-1-debug.tar.gz"},
			{Name: "gateway-1.tar.gz"},
		},
	}

	got, err := FindArtifact(context.Background(), rel, "assistant")
	require.NoError(t, err)
	require.Equal(t, "assistant-1.tar.gz", got.Name)

	got, err = FindArtifact(context.Background(), rel, "gateway")
	require.NoError(t, err)
	require.Equal(t, "gateway-1.tar.gz", got.Name)

	_, err = FindArtifact(context.Background(), rel, "worker")
	require.ErrorIs(t, err, bootstrap.ErrResolution)
	require.False(t, download.IsNotFound(err))
}

func TestIsCompanion(t *testing.T) {
	t.Parallel()

	require.True(t, IsCompanion("x.tar.gz.sha256"))
	require.True(t, IsCompanion("x.tar.gz.ASC"))
	require.True(t, IsCompanion("x.tar.gz.sig"))
	require.False(t, IsCompanion("x.tar.gz"))
}
