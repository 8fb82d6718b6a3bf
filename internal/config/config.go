package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/hatchery/internal/domain/bootstrap"
)

// Bootstrap modes.
const (
	// ModeDual provisions assistant and gateway and hands the gateway off detached.
	ModeDual = "dual"
	// ModeSingle provisions only the assistant and keeps it in the foreground.
	ModeSingle = "single"
)

// Artifact sources.
const (
	// SourceRelease downloads prebuilt archives of the latest published release.
	SourceRelease = "release"
	// SourceCheckout performs an authenticated shallow clone of a private repository.
	SourceCheckout = "checkout"
)

// Readiness probes.
const (
	ProbeExit = "exit"
	ProbeTCP  = "tcp"
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"
)

const (
	// ConfigPathEnv overrides the settings file location.
	ConfigPathEnv = "HATCHERY_CONFIG"

	// DefaultConfigFilename is the settings file name inside the config directory.
	DefaultConfigFilename = "settings.yaml"

	// DefaultAPIBaseURL is the release index used when none is configured.
	DefaultAPIBaseURL = "https://api.github.com"

	// DefaultAppIDEnv and DefaultPrivateKeyEnv name the checkout credentials.
	DefaultAppIDEnv      = "HATCHERY_APP_ID"
	DefaultPrivateKeyEnv = "HATCHERY_APP_PRIVATE_KEY"

	// DefaultDownloadAttempts is the total number of attempts per download.
	DefaultDownloadAttempts = 3
	// DefaultDownloadBackoff is the delay before the second attempt; it doubles afterwards.
	DefaultDownloadBackoff = 2 * time.Second
	// DefaultRequestTimeout bounds one HTTP request.
	DefaultRequestTimeout = 5 * time.Minute

	// DefaultReadinessTimeout bounds the tcp, http and grpc probes.
	DefaultReadinessTimeout = time.Minute
	// DefaultReadinessInterval is the delay between probe attempts.
	DefaultReadinessInterval = 500 * time.Millisecond

	// DefaultAssistantPort and DefaultGatewayPort are fixed, never negotiated.
	DefaultAssistantPort = 7821
	DefaultGatewayPort   = 7830

	// DefaultRecoveryRemotePath is where the bootstrap script lands on the recovery host.
	DefaultRecoveryRemotePath = "/tmp/hatchery-bootstrap.sh"
	// DefaultRecoveryTimeout bounds the ssh dial.
	DefaultRecoveryTimeout = 30 * time.Second

	// DefaultFilePermissions is used for files hatchery writes for itself.
	DefaultFilePermissions = 0o600
	// DefaultDirPermissions is used for directories hatchery creates.
	DefaultDirPermissions = 0o755
)

// Component describes how one artifact is matched and launched.
type Component struct {
	// Prefix selects the release artifact by name prefix.
	Prefix string `yaml:"prefix" toml:"prefix"`
	// Subdir is the checkout directory holding the component (checkout source only).
	Subdir string `yaml:"subdir" toml:"subdir"`
	// Entry is the entry point script relative to the component root.
	Entry string `yaml:"entry" toml:"entry"`
	// Args are appended after the entry point.
	Args []string `yaml:"args" toml:"args"`
	// Port is exported to the process through PortEnv.
	Port int `yaml:"port" toml:"port"`
	// PortEnv is the environment variable carrying Port.
	PortEnv string `yaml:"port_env" toml:"port_env"`
	// Env holds extra environment variables for the process.
	Env map[string]string `yaml:"env" toml:"env"`
}

// Readiness configures how the assistant is judged ready.
type Readiness struct {
	// Probe is one of exit, tcp, http or grpc.
	Probe string `yaml:"probe" toml:"probe"`
	// Address is the probe target: host:port for tcp/grpc, a URL for http.
	// Empty means the assistant port on 127.0.0.1.
	Address string `yaml:"address" toml:"address"`
	// Timeout bounds the whole probe.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
	// Interval is the delay between probe attempts.
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

// Download configures the resilient downloader.
type Download struct {
	Attempts       int           `yaml:"attempts" toml:"attempts"`
	Backoff        time.Duration `yaml:"backoff" toml:"backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
	// Token is an optional bearer token for the release index and downloads.
	Token string `yaml:"token" toml:"token"`
}

// Verify configures artifact verification.
type Verify struct {
	// Checksums requires a SHA256SUMS or <artifact>.sha256 asset to match.
	Checksums bool `yaml:"checksums" toml:"checksums"`
	// SigningKey is an armored PGP public key used for detached signatures.
	SigningKey string `yaml:"signing_key" toml:"signing_key"`
}

// Checkout configures the authenticated source variant.
type Checkout struct {
	// Organization is the account that has the application installed.
	Organization string `yaml:"organization" toml:"organization"`
	// Repository is the single repository the access token is scoped to.
	Repository string `yaml:"repository" toml:"repository"`
	// Ref is an optional branch or tag; empty means the default branch.
	Ref string `yaml:"ref" toml:"ref"`
	// CloneBaseURL is the source-control host, e.g. https://github.com.
	CloneBaseURL string `yaml:"clone_base_url" toml:"clone_base_url"`
	// AppIDEnv and PrivateKeyEnv name the credential environment variables.
	AppIDEnv      string `yaml:"app_id_env" toml:"app_id_env"`
	PrivateKeyEnv string `yaml:"private_key_env" toml:"private_key_env"`
}

// Recovery configures the out-of-band remote bootstrap.
type Recovery struct {
	// Host enables recovery when set.
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	User string `yaml:"user" toml:"user"`
	// KeyPath is the private key used for public key authentication.
	KeyPath string `yaml:"key_path" toml:"key_path"`
	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts string `yaml:"known_hosts" toml:"known_hosts"`
	// Insecure skips host key verification.
	Insecure bool `yaml:"insecure" toml:"insecure"`
	// Script is the local bootstrap script copied to the host.
	Script string `yaml:"script" toml:"script"`
	// RemotePath is the destination of Script on the host.
	RemotePath string        `yaml:"remote_path" toml:"remote_path"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
}

// Enabled reports whether a recovery host is configured.
func (r *Recovery) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Config holds every setting a bootstrap run consumes.
type Config struct {
	// Repository is the release source in owner/name form.
	Repository string `yaml:"repository" toml:"repository"`
	// APIBaseURL is the release index and token exchange endpoint.
	APIBaseURL string `yaml:"api_base_url" toml:"api_base_url"`
	// InstallRoot is the well-known installation path.
	InstallRoot string `yaml:"install_root" toml:"install_root"`
	// BinDir receives the runtime link and the CLI wrapper.
	BinDir string `yaml:"bin_dir" toml:"bin_dir"`
	// LogDir receives the gateway log file.
	LogDir string `yaml:"log_dir" toml:"log_dir"`
	// StateDir keeps the gateway pid file.
	StateDir string `yaml:"state_dir" toml:"state_dir"`
	// Runtime is the language runtime looked up on PATH, e.g. node.
	Runtime string `yaml:"runtime" toml:"runtime"`
	// CLIName is the wrapper name placed in BinDir.
	CLIName string `yaml:"cli_name" toml:"cli_name"`
	// DependencyCommand runs inside each component directory.
	DependencyCommand []string `yaml:"dependency_command" toml:"dependency_command"`
	// DependencyManifest gates the dependency step: directories without it skip it.
	DependencyManifest string `yaml:"dependency_manifest" toml:"dependency_manifest"`
	// Mode is dual or single.
	Mode string `yaml:"mode" toml:"mode"`
	// Source is release or checkout.
	Source string `yaml:"source" toml:"source"`
	// LogLevel is parsed by logger.ParseLogLevel.
	LogLevel string `yaml:"log_level" toml:"log_level"`

	Assistant Component `yaml:"assistant" toml:"assistant"`
	Gateway   Component `yaml:"gateway" toml:"gateway"`
	Readiness Readiness `yaml:"readiness" toml:"readiness"`
	Download  Download  `yaml:"download" toml:"download"`
	Verify    Verify    `yaml:"verify" toml:"verify"`
	Checkout  Checkout  `yaml:"checkout" toml:"checkout"`
	Recovery  Recovery  `yaml:"recovery" toml:"recovery"`
}

var (
	errConfigIsNotSet     = errors.New("configuration is not set")
	errInvalidRepository  = errors.New("repository must be in owner/name form")
	errUnknownMode        = errors.New("unknown mode")
	errUnknownSource      = errors.New("unknown source")
	errUnknownProbe       = errors.New("unknown readiness probe")
	errSingleModeProbe    = errors.New("single mode keeps the assistant in the foreground and supports no readiness probe")
	errCheckoutIncomplete = errors.New("checkout source requires organization and repository")
	errRecoveryIncomplete = errors.New("recovery requires user, key_path and script")
	errInvalidPort        = errors.New("port must be between 1 and 65535")
	errEmptyCommand       = errors.New("dependency command must not be empty")
)

// Default returns the settings used when no file is present.
// Paths are rooted at home.
func Default(home string) *Config {
	cfg := new(Config)
	applyDefaults(cfg, home)

	return cfg
}

// ResolvePath returns the settings file location and whether it was set explicitly.
func ResolvePath(getenv func(string) string) (string, bool) {
	if path := strings.TrimSpace(getenv(ConfigPathEnv)); path != "" {
		return path, true
	}

	base := strings.TrimSpace(getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}

		base = filepath.Join(home, ".config")
	}

	return filepath.Join(base, "hatchery", DefaultConfigFilename), false
}

// Load reads settings from path and validates them. When the file does not
// exist and required is false, defaults are returned.
func Load(path string, required bool) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("detect home directory: %w", err)
	}

	cfg := new(Config)

	contents, err := os.ReadFile(filepath.Clean(path))

	switch {
	case err == nil:
		if err = decode(path, contents, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	applyDefaults(cfg, home)

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decode(path string, contents []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(contents), cfg); err != nil {
			return fmt.Errorf("unmarshal toml settings: %w", err)
		}

		return nil
	}

	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return fmt.Errorf("unmarshal settings: %w", err)
	}

	return nil
}

// Save writes cfg as YAML to path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

//nolint:cyclop // Flat list of defaults reads better than a table.
func applyDefaults(cfg *Config, home string) {
	setString(&cfg.APIBaseURL, DefaultAPIBaseURL)
	setString(&cfg.InstallRoot, filepath.Join(home, ".local", "share", "hatchery", "install"))
	setString(&cfg.BinDir, filepath.Join(home, ".local", "bin"))
	setString(&cfg.StateDir, filepath.Join(home, ".local", "state", "hatchery"))
	setString(&cfg.LogDir, filepath.Join(cfg.StateDir, "logs"))
	setString(&cfg.Runtime, "node")
	setString(&cfg.CLIName, bootstrap.ComponentAssistant)
	setString(&cfg.Mode, ModeDual)
	setString(&cfg.Source, SourceRelease)

	if len(cfg.DependencyCommand) == 0 {
		cfg.DependencyCommand = []string{"npm", "install", "--omit=dev", "--no-audit", "--no-fund"}
	}

	setString(&cfg.DependencyManifest, "package.json")

	cfg.InstallRoot = expandHome(cfg.InstallRoot, home)
	cfg.BinDir = expandHome(cfg.BinDir, home)
	cfg.LogDir = expandHome(cfg.LogDir, home)
	cfg.StateDir = expandHome(cfg.StateDir, home)

	componentDefaults(&cfg.Assistant, bootstrap.ComponentAssistant, DefaultAssistantPort)
	componentDefaults(&cfg.Gateway, bootstrap.ComponentGateway, DefaultGatewayPort)

	setString(&cfg.Readiness.Probe, ProbeExit)
	setDuration(&cfg.Readiness.Timeout, DefaultReadinessTimeout)
	setDuration(&cfg.Readiness.Interval, DefaultReadinessInterval)

	if cfg.Download.Attempts <= 0 {
		cfg.Download.Attempts = DefaultDownloadAttempts
	}

	setDuration(&cfg.Download.Backoff, DefaultDownloadBackoff)
	setDuration(&cfg.Download.RequestTimeout, DefaultRequestTimeout)

	cfg.Verify.SigningKey = expandHome(cfg.Verify.SigningKey, home)

	setString(&cfg.Checkout.CloneBaseURL, "https://github.com")
	setString(&cfg.Checkout.AppIDEnv, DefaultAppIDEnv)
	setString(&cfg.Checkout.PrivateKeyEnv, DefaultPrivateKeyEnv)

	if cfg.Recovery.Port <= 0 {
		cfg.Recovery.Port = 22
	}

	setString(&cfg.Recovery.RemotePath, DefaultRecoveryRemotePath)
	setDuration(&cfg.Recovery.Timeout, DefaultRecoveryTimeout)
	cfg.Recovery.KeyPath = expandHome(cfg.Recovery.KeyPath, home)
	cfg.Recovery.KnownHosts = expandHome(cfg.Recovery.KnownHosts, home)
	cfg.Recovery.Script = expandHome(cfg.Recovery.Script, home)
}

func componentDefaults(c *Component, name string, port int) {
	setString(&c.Prefix, name)
	setString(&c.Subdir, name)
	setString(&c.Entry, "index.js")
	setString(&c.PortEnv, "PORT")

	if c.Port == 0 {
		c.Port = port
	}
}

// Validate checks the settings for required fields and consistent values.
//
//nolint:cyclop // Each check is a single branch; splitting hides the rule list.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	switch cfg.Mode {
	case ModeDual, ModeSingle:
	default:
		return fmt.Errorf("%w: %q: %w", errUnknownMode, cfg.Mode, bootstrap.ErrConfiguration)
	}

	switch cfg.Source {
	case SourceRelease:
		if !validRepository(cfg.Repository) {
			return fmt.Errorf("%w: %q: %w", errInvalidRepository, cfg.Repository, bootstrap.ErrConfiguration)
		}
	case SourceCheckout:
		if cfg.Checkout.Organization == "" || cfg.Checkout.Repository == "" {
			return fmt.Errorf("%w: %w", errCheckoutIncomplete, bootstrap.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: %q: %w", errUnknownSource, cfg.Source, bootstrap.ErrConfiguration)
	}

	switch cfg.Readiness.Probe {
	case ProbeExit, ProbeTCP, ProbeHTTP, ProbeGRPC:
	default:
		return fmt.Errorf("%w: %q: %w", errUnknownProbe, cfg.Readiness.Probe, bootstrap.ErrConfiguration)
	}

	if cfg.Mode == ModeSingle && cfg.Readiness.Probe != ProbeExit {
		return fmt.Errorf("%w: %w", errSingleModeProbe, bootstrap.ErrConfiguration)
	}

	for _, port := range []int{cfg.Assistant.Port, cfg.Gateway.Port} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %d: %w", errInvalidPort, port, bootstrap.ErrConfiguration)
		}
	}

	if len(cfg.DependencyCommand) == 0 || strings.TrimSpace(cfg.DependencyCommand[0]) == "" {
		return fmt.Errorf("%w: %w", errEmptyCommand, bootstrap.ErrConfiguration)
	}

	if _, err := url.ParseRequestURI(cfg.APIBaseURL); err != nil {
		return fmt.Errorf("invalid api base url: %w: %w", err, bootstrap.ErrConfiguration)
	}

	if cfg.Recovery.Enabled() &&
		(cfg.Recovery.User == "" || cfg.Recovery.KeyPath == "" || cfg.Recovery.Script == "") {
		return fmt.Errorf("%w: %w", errRecoveryIncomplete, bootstrap.ErrConfiguration)
	}

	return nil
}

func validRepository(repository string) bool {
	owner, name, ok := strings.Cut(repository, "/")

	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}

	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}

	return path
}

func setString(target *string, value string) {
	if strings.TrimSpace(*target) == "" {
		*target = value
	}
}

func setDuration(target *time.Duration, value time.Duration) {
	if *target <= 0 {
		*target = value
	}
}
