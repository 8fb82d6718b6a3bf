// Package source acquires components from a private repository by
// authenticating as an installed application and cloning with a token
// scoped to that repository.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/oshokin/hatchery/internal/config"
	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/logger"
	"github.com/oshokin/hatchery/internal/version"
)

const (
	acceptJSON    = "application/vnd.github+json"
	tokenUsername = "x-access-token"
	maxErrorBody  = 512
	apiTimeout    = time.Minute
)

var (
	errNoInstallation = errors.New("application is not installed for organization")
	errTokenExchange  = errors.New("token exchange failed")
	errEmptyToken     = errors.New("token exchange returned an empty token")
)

// CloneFunc shallow-clones url at ref into dest authenticating with token.
type CloneFunc func(ctx context.Context, dest, url, token, ref string) error

// AppSource checks out a repository as an installed application.
type AppSource struct {
	client       *http.Client
	apiBaseURL   string
	cloneBaseURL string
	organization string
	repository   string
	ref          string
	credentials  *config.Credentials
	now          func() time.Time
	clone        CloneFunc
}

// Option configures an AppSource.
type Option func(*AppSource)

// WithHTTPClient replaces the client used for the API calls.
func WithHTTPClient(client *http.Client) Option {
	return func(s *AppSource) {
		if client != nil {
			s.client = client
		}
	}
}

// WithClock replaces time.Now in assertions.
func WithClock(now func() time.Time) Option {
	return func(s *AppSource) {
		if now != nil {
			s.now = now
		}
	}
}

// WithClone replaces the go-git clone, mainly for tests.
func WithClone(clone CloneFunc) Option {
	return func(s *AppSource) {
		if clone != nil {
			s.clone = clone
		}
	}
}

// NewAppSource returns an AppSource for the checkout settings.
func NewAppSource(cfg *config.Checkout, apiBaseURL string, credentials *config.Credentials, opts ...Option) *AppSource {
	s := &AppSource{
		client:       &http.Client{Timeout: apiTimeout},
		apiBaseURL:   strings.TrimRight(apiBaseURL, "/"),
		cloneBaseURL: strings.TrimRight(cfg.CloneBaseURL, "/"),
		organization: cfg.Organization,
		repository:   cfg.Repository,
		ref:          cfg.Ref,
		credentials:  credentials,
		now:          time.Now,
		clone:        ShallowClone,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// CloneURL is the repository the checkout reads from.
func (s *AppSource) CloneURL() string {
	return s.cloneBaseURL + "/" + s.organization + "/" + s.repository + ".git"
}

// Checkout authorizes and clones the repository into dest.
func (s *AppSource) Checkout(ctx context.Context, dest string) error {
	token, err := s.Authorize(ctx)
	if err != nil {
		return err
	}

	return s.Clone(ctx, dest, token)
}

// Authorize returns an access token scoped to the repository. It touches no
// files. A bad key or a missing installation for the organization is
// ErrConfiguration; other failures are ErrResolution.
func (s *AppSource) Authorize(ctx context.Context) (string, error) {
	ctx = logger.WithName(ctx, "source")

	assertion, err := SignAssertion(s.credentials.AppID, s.credentials.PrivateKeyPEM, s.now())
	if err != nil {
		return "", fmt.Errorf("application assertion: %w: %w", bootstrap.ErrConfiguration, err)
	}

	installationID, err := s.findInstallation(ctx, assertion)
	if err != nil {
		return "", err
	}

	token, err := s.exchange(ctx, assertion, installationID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", bootstrap.ErrResolution, err)
	}

	return token, nil
}

// Clone shallow-clones the repository into dest with token.
func (s *AppSource) Clone(ctx context.Context, dest, token string) error {
	logger.InfoKV(ctx, "Cloning repository", "url", s.CloneURL(), "ref", s.ref, "dest", dest)

	if err := s.clone(ctx, dest, s.CloneURL(), token, s.ref); err != nil {
		return fmt.Errorf("clone %s: %w: %w", s.CloneURL(), bootstrap.ErrResolution, err)
	}

	return nil
}

type installation struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
	} `json:"account"`
}

func (s *AppSource) findInstallation(ctx context.Context, assertion string) (int64, error) {
	var installations []installation

	if err := s.call(ctx, http.MethodGet, "/app/installations", assertion, nil, http.StatusOK, &installations); err != nil {
		return 0, fmt.Errorf("list installations: %w: %w", bootstrap.ErrResolution, err)
	}

	for _, candidate := range installations {
		if strings.EqualFold(candidate.Account.Login, s.organization) {
			logger.DebugKV(ctx, "Found installation", "id", candidate.ID, "organization", s.organization)
			return candidate.ID, nil
		}
	}

	return 0, fmt.Errorf("%w %q: %w", errNoInstallation, s.organization, bootstrap.ErrConfiguration)
}

func (s *AppSource) exchange(ctx context.Context, assertion string, installationID int64) (string, error) {
	body, err := json.Marshal(map[string][]string{"repositories": {s.repository}})
	if err != nil {
		return "", err
	}

	var result struct {
		Token string `json:"token"`
	}

	path := "/app/installations/" + strconv.FormatInt(installationID, 10) + "/access_tokens"
	if err = s.call(ctx, http.MethodPost, path, assertion, body, http.StatusCreated, &result); err != nil {
		return "", fmt.Errorf("%w: %w", errTokenExchange, err)
	}

	if result.Token == "" {
		return "", errEmptyToken
	}

	return result.Token, nil
}

func (s *AppSource) call(
	ctx context.Context,
	method, path, assertion string,
	body []byte,
	want int,
	out any,
) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.apiBaseURL+path, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", acceptJSON)
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("User-Agent", version.UserAgent())

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != want {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	return nil
}

// ShallowClone clones url into dest with depth 1, authenticating with the
// installation token. ref may be a branch, a tag or a full reference name;
// empty means the remote's default branch.
func ShallowClone(ctx context.Context, dest, url, token, ref string) error {
	options := &gogit.CloneOptions{
		URL:          url,
		Auth:         &githttp.BasicAuth{Username: tokenUsername, Password: token},
		Depth:        1,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	}

	if ref != "" {
		options.ReferenceName = referenceName(ref)
	}

	if _, err := gogit.PlainCloneContext(ctx, dest, false, options); err != nil {
		return err
	}

	return nil
}

func referenceName(ref string) plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}

	if strings.HasPrefix(ref, "v") && strings.Contains(ref, ".") {
		return plumbing.NewTagReferenceName(ref)
	}

	return plumbing.NewBranchReferenceName(ref)
}
