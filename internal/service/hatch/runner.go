package hatch

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/hatchery/internal/config"
	"github.com/oshokin/hatchery/internal/domain/bootstrap"
	"github.com/oshokin/hatchery/internal/download"
	"github.com/oshokin/hatchery/internal/install"
	"github.com/oshokin/hatchery/internal/link"
	"github.com/oshokin/hatchery/internal/logger"
	"github.com/oshokin/hatchery/internal/orchestrator"
	"github.com/oshokin/hatchery/internal/provision"
	"github.com/oshokin/hatchery/internal/release"
	"github.com/oshokin/hatchery/internal/source"
	"github.com/oshokin/hatchery/internal/verify"
)

const (
	gatewayLogFilename = "gateway.log"
	gatewayPIDFilename = "gateway.pid"
	checkoutDirname    = "checkout"
)

// runner holds the collaborators of one bootstrap.
type runner struct {
	cfg         *config.Config
	opts        *Options
	client      *http.Client
	downloader  *download.Downloader
	verifier    *verify.Verifier
	provisioner *provision.Provisioner
	manager     *install.Manager
	linker      *link.Linker
	prober      orchestrator.Prober
}

// plan is what a bootstrap settles before the disk is touched: the release
// and its artifacts, or an authorized checkout.
type plan struct {
	release   *bootstrap.Release
	artifacts []bootstrap.Artifact
	app       *source.AppSource
	token     string
}

// staged is what the build step leaves behind for launch.
type staged struct {
	stage      string
	tag        string
	components map[string]*bootstrap.Component
}

func newRunner(ctx context.Context, cfg *config.Config, opts *Options) (*runner, error) {
	client := opts.HTTPClient
	if client == nil {
		client = download.NewHTTPClient(cfg.Download.RequestTimeout)
	}

	downloader := download.New(
		download.WithHTTPClient(client),
		download.WithAttempts(cfg.Download.Attempts),
		download.WithBackoff(cfg.Download.Backoff),
		download.WithToken(cfg.Download.Token),
		download.WithSleep(opts.Sleep),
	)

	verifier, err := verify.New(downloader, cfg.Verify.Checksums, cfg.Verify.SigningKey)
	if err != nil {
		return nil, err
	}

	prober, err := orchestrator.NewProber(&cfg.Readiness, cfg.Assistant.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", bootstrap.ErrConfiguration, err)
	}

	logger.DebugKV(ctx, "Settings loaded",
		"mode", cfg.Mode, "source", cfg.Source, "root", cfg.InstallRoot, "probe", cfg.Readiness.Probe)

	return &runner{
		cfg:         cfg,
		opts:        opts,
		client:      client,
		downloader:  downloader,
		verifier:    verifier,
		provisioner: provision.New(cfg.DependencyCommand, cfg.DependencyManifest),
		manager:     install.NewManager(cfg.InstallRoot),
		linker:      link.New(cfg.BinDir),
		prober:      prober,
	}, nil
}

// componentNames lists what the mode bootstraps, assistant first.
func (r *runner) componentNames() []string {
	if r.cfg.Mode == config.ModeSingle {
		return []string{bootstrap.ComponentAssistant}
	}

	return []string{bootstrap.ComponentAssistant, bootstrap.ComponentGateway}
}

func (r *runner) settingsFor(name string) *config.Component {
	if name == bootstrap.ComponentGateway {
		return &r.cfg.Gateway
	}

	return &r.cfg.Assistant
}

func (r *runner) run(ctx context.Context) error {
	var (
		built    staged
		launched *orchestrator.Attached
	)

	// Resolution failures return here and leave any previous installation alone.
	p, err := r.prepare(ctx)
	if err != nil {
		return err
	}

	build := func(ctx context.Context, stage string) error {
		result, buildErr := r.acquire(ctx, p, stage)
		if buildErr != nil {
			return buildErr
		}

		built = *result

		if buildErr = install.WriteRelease(stage, result.tag); buildErr != nil {
			return buildErr
		}

		if r.cfg.Mode == config.ModeDual {
			pidFile := filepath.Join(r.cfg.StateDir, gatewayPIDFilename)
			if buildErr = orchestrator.StopPrevious(ctx, pidFile, r.cfg.InstallRoot); buildErr != nil {
				logger.WarnKV(ctx, "Could not stop the previous gateway", "error", buildErr)
			}
		}

		return nil
	}

	launch := func(ctx context.Context, root string) error {
		attached, launchErr := r.launch(ctx, &built, root)
		launched = attached

		return launchErr
	}

	if err = r.manager.WithInstallationRoot(ctx, build, launch); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Installation ready", "root", r.cfg.InstallRoot, "release", built.tag)

	if launched == nil {
		return nil
	}

	code, err := launched.Wait(ctx)
	if err != nil {
		return err
	}

	if code != 0 {
		return &ExitError{Code: code}
	}

	return nil
}

// prepare resolves what will be installed without touching the disk.
func (r *runner) prepare(ctx context.Context) (*plan, error) {
	if r.cfg.Source == config.SourceCheckout {
		return r.prepareCheckout(ctx)
	}

	return r.prepareRelease(ctx)
}

func (r *runner) prepareRelease(ctx context.Context) (*plan, error) {
	resolver := release.NewResolver(r.downloader, r.cfg.APIBaseURL, r.cfg.Repository)

	rel, err := resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	names := r.componentNames()
	artifacts := make([]bootstrap.Artifact, len(names))

	// Every artifact must exist before anything is fetched.
	for i, name := range names {
		artifacts[i], err = release.FindArtifact(ctx, rel, r.settingsFor(name).Prefix)
		if err != nil {
			return nil, err
		}
	}

	return &plan{release: rel, artifacts: artifacts}, nil
}

func (r *runner) prepareCheckout(ctx context.Context) (*plan, error) {
	credentials, err := config.LoadCredentials(&r.cfg.Checkout, r.opts.Getenv)
	if err != nil {
		return nil, err
	}

	app := source.NewAppSource(&r.cfg.Checkout, r.cfg.APIBaseURL, credentials,
		source.WithHTTPClient(r.client), source.WithClone(r.opts.Clone))

	token, err := app.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	return &plan{app: app, token: token}, nil
}

// acquire fills stage with provisioned components from the configured source.
func (r *runner) acquire(ctx context.Context, p *plan, stage string) (*staged, error) {
	if p.app != nil {
		return r.acquireCheckout(ctx, p, stage)
	}

	return r.acquireRelease(ctx, p, stage)
}

func (r *runner) acquireRelease(ctx context.Context, p *plan, stage string) (*staged, error) {
	names := r.componentNames()
	components := make([]*bootstrap.Component, len(names))
	group, groupCtx := errgroup.WithContext(ctx)

	for i, name := range names {
		group.Go(func() error {
			component, provisionErr := r.fetchAndProvision(groupCtx, p.release, p.artifacts[i], name, stage)
			components[i] = component

			return provisionErr
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	result := &staged{stage: stage, tag: p.release.Tag, components: make(map[string]*bootstrap.Component, len(names))}
	for i, name := range names {
		result.components[name] = components[i]
	}

	return result, nil
}

func (r *runner) fetchAndProvision(
	ctx context.Context,
	rel *bootstrap.Release,
	artifact bootstrap.Artifact,
	name, stage string,
) (*bootstrap.Component, error) {
	ctx = logger.WithKV(ctx, "component", name)

	logger.InfoKV(ctx, "Downloading artifact", "artifact", artifact.Name, "url", artifact.URL)

	payload, err := r.downloader.Download(ctx, artifact.URL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", artifact.Name, err)
	}

	if r.verifier.Enabled() {
		if err = r.verifier.Verify(ctx, rel, artifact, payload); err != nil {
			return nil, err
		}
	}

	return r.provisioner.Provision(ctx, payload, name, filepath.Join(stage, name), r.settingsFor(name).Entry)
}

func (r *runner) acquireCheckout(ctx context.Context, p *plan, stage string) (*staged, error) {
	checkout := filepath.Join(stage, checkoutDirname)

	if err := p.app.Clone(ctx, checkout, p.token); err != nil {
		return nil, err
	}

	names := r.componentNames()
	result := &staged{stage: stage, tag: checkoutTag(&r.cfg.Checkout), components: make(map[string]*bootstrap.Component)}

	for _, name := range names {
		settings := r.settingsFor(name)

		component, prepareErr := r.provisioner.Prepare(ctx, name, filepath.Join(checkout, settings.Subdir), settings.Entry)
		if prepareErr != nil {
			return nil, prepareErr
		}

		result.components[name] = component
	}

	return result, nil
}

func checkoutTag(cfg *config.Checkout) string {
	ref := cfg.Ref
	if ref == "" {
		ref = "HEAD"
	}

	return cfg.Organization + "/" + cfg.Repository + "@" + ref
}

// launch links the CLI and starts the components from the committed root.
// It returns the process still attached to the terminal, if any.
func (r *runner) launch(ctx context.Context, built *staged, root string) (*orchestrator.Attached, error) {
	assistant := built.components[bootstrap.ComponentAssistant].Rebase(built.stage, root)

	runtimeLink, err := r.linker.LinkRuntime(ctx, r.cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", bootstrap.ComponentAssistant, bootstrap.ErrProcessStart, err)
	}

	if _, err = r.linker.LinkEntryPoint(ctx, r.cfg.CLIName, runtimeLink, assistant); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", bootstrap.ComponentAssistant, bootstrap.ErrProcessStart, err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithPIDFile(filepath.Join(r.cfg.StateDir, gatewayPIDFilename)),
		orchestrator.WithStdio(r.opts.Stdin, r.opts.Stdout, r.opts.Stderr),
	}

	if r.prober != nil {
		opts = append(opts, orchestrator.WithProber(r.prober, r.cfg.Readiness.Timeout, r.cfg.Readiness.Interval))
	}

	orch := orchestrator.New(runtimeLink, filepath.Join(r.cfg.LogDir, gatewayLogFilename), opts...)
	assistantProcess := orchestrator.NewProcess(assistant, &r.cfg.Assistant)

	if r.cfg.Mode == config.ModeSingle {
		return orch.StartForeground(ctx, assistantProcess)
	}

	gateway := built.components[bootstrap.ComponentGateway].Rebase(built.stage, root)

	result, err := orch.Start(ctx, assistantProcess, orchestrator.NewProcess(gateway, &r.cfg.Gateway))
	if err != nil {
		return nil, err
	}

	return result.Assistant, nil
}
