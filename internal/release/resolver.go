package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/logger"
)

// Fetcher performs GET requests against the release index.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string) ([]byte, error)
}

// Resolver queries a release index for the most recent published release.
type Resolver struct {
	fetcher    Fetcher
	apiBaseURL string
	repository string
}

var (
	errNoTag             = errors.New("release has no tag")
	errArtifactNotFound  = errors.New("no artifact matches prefix")
	errInvalidRepository = errors.New("repository must be in owner/name form")
)

// releaseDocument is the subset of the release index response hatchery reads.
type releaseDocument struct {
	TagName string          `json:"tag_name"`
	Assets  []assetDocument `json:"assets"`
}

type assetDocument struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// NewResolver creates a resolver for repository ("owner/name") behind apiBaseURL.
func NewResolver(fetcher Fetcher, apiBaseURL, repository string) *Resolver {
	return &Resolver{
		fetcher:    fetcher,
		apiBaseURL: strings.TrimRight(apiBaseURL, "/"),
		repository: strings.Trim(repository, "/"),
	}
}

// LatestURL is the index endpoint consulted by Resolve.
func (r *Resolver) LatestURL() string {
	return r.apiBaseURL + "/repos/" + r.repository + "/releases/latest"
}

// Resolve fetches the latest release. Failures wrap bootstrap.ErrResolution and
// keep the underlying download error, so a 404 stays detectable.
func (r *Resolver) Resolve(ctx context.Context) (*bootstrap.Release, error) {
	if owner, name, ok := strings.Cut(r.repository, "/"); !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("%q: %w: %w", r.repository, errInvalidRepository, bootstrap.ErrResolution)
	}

	body, err := r.fetcher.FetchJSON(ctx, r.LatestURL())
	if err != nil {
		return nil, fmt.Errorf("fetch latest release of %s: %w: %w", r.repository, bootstrap.ErrResolution, err)
	}

	var doc releaseDocument
	if err = json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode latest release of %s: %w: %w", r.repository, bootstrap.ErrResolution, err)
	}

	if doc.TagName == "" {
		return nil, fmt.Errorf("%s: %w: %w", r.repository, errNoTag, bootstrap.ErrResolution)
	}

	rel := &bootstrap.Release{
		Tag:       doc.TagName,
		Artifacts: make([]bootstrap.Artifact, 0, len(doc.Assets)),
	}

	for _, asset := range doc.Assets {
		rel.Artifacts = append(rel.Artifacts, bootstrap.Artifact{
			Name: asset.Name,
			URL:  asset.BrowserDownloadURL,
			Size: asset.Size,
		})
	}

	logger.InfoKV(ctx, "Resolved latest release",
		"repository", r.repository, "tag", rel.Tag, "artifacts", len(rel.Artifacts))

	return rel, nil
}

// FindArtifact returns the first archive whose name starts with prefix.
// Checksum and signature companions are never selected. Further matches are
// logged, since the order of the release index decides between them.
func FindArtifact(ctx context.Context, rel *bootstrap.Release, prefix string) (bootstrap.Artifact, error) {
	matches := rel.MatchPrefix(prefix)
	candidates := make([]bootstrap.Artifact, 0, len(matches))

	for _, artifact := range matches {
		if !IsCompanion(artifact.Name) {
			candidates = append(candidates, artifact)
		}
	}

	if len(candidates) == 0 {
		tag := ""
		if rel != nil {
			tag = rel.Tag
		}

		return bootstrap.Artifact{}, fmt.Errorf("%q in release %q: %w: %w",
			prefix, tag, errArtifactNotFound, bootstrap.ErrResolution)
	}

	if len(candidates) > 1 {
		names := make([]string, 0, len(candidates))
		for _, artifact := range candidates {
			names = append(names, artifact.Name)
		}

		logger.WarnKV(ctx, "Several artifacts share a prefix, using the first",
			"prefix", prefix, "selected", candidates[0].Name, "candidates", names)
	}

	return candidates[0], nil
}

// IsCompanion reports whether name is a checksum or signature file.
func IsCompanion(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".sha256", ".sha256sum", ".asc", ".sig", ".minisig"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}
