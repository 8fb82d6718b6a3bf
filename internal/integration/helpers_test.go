package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/hatchery/internal/config"
	"github.com/oshokin/hatchery/internal/testutil"
)

const repository = "acme/suite"

// releaseIndex serves one latest release and its assets.
type releaseIndex struct {
	srv *httptest.Server

	mu        sync.Mutex
	tag       string
	order     []string
	assets    map[string][]byte
	status    int
	transient map[string]int
	served    map[string]int
}

func newReleaseIndex(t *testing.T) *releaseIndex {
	t.Helper()

	index := &releaseIndex{
		status:    http.StatusOK,
		assets:    make(map[string][]byte),
		transient: make(map[string]int),
		served:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/"+repository+"/releases/latest", index.latest)
	mux.HandleFunc("GET /download/{name}", index.download)

	index.srv = httptest.NewServer(mux)
	t.Cleanup(index.srv.Close)

	return index
}

// publish replaces the latest release.
func (x *releaseIndex) publish(tag string, assets map[string][]byte, order ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.tag, x.assets, x.order = tag, assets, order
}

// answer makes the latest endpoint reply with status.
func (x *releaseIndex) answer(status int) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.status = status
}

// flake makes the next n downloads of name answer 503.
func (x *releaseIndex) flake(name string, n int) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.transient[name] = n
}

func (x *releaseIndex) downloads(name string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.served[name]
}

func (x *releaseIndex) latest(w http.ResponseWriter, _ *http.Request) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.status != http.StatusOK {
		http.Error(w, http.StatusText(x.status), x.status)
		return
	}

	type asset struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
		Size int    `json:"size"`
	}

	doc := struct {
		TagName string  `json:"tag_name"`
		Assets  []asset `json:"assets"`
	}{TagName: x.tag}

	for _, name := range x.order {
		doc.Assets = append(doc.Assets, asset{
			Name: name,
			URL:  x.srv.URL + "/download/" + name,
			Size: len(x.assets[name]),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (x *releaseIndex) download(w http.ResponseWriter, r *http.Request) {
	x.mu.Lock()
	defer x.mu.Unlock()

	name := r.PathValue("name")
	x.served[name]++

	if x.transient[name] > 0 {
		x.transient[name]--
		http.Error(w, "busy", http.StatusServiceUnavailable)

		return
	}

	payload, ok := x.assets[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	_, _ = w.Write(payload)
}

// workspace is one machine's worth of hatchery directories.
type workspace struct {
	dir        string
	configPath string
	cfg        *config.Config
}

func newWorkspace(t *testing.T, index *releaseIndex) *workspace {
	t.Helper()

	dir := t.TempDir()

	cfg := &config.Config{
		Repository:         repository,
		APIBaseURL:         index.srv.URL,
		InstallRoot:        filepath.Join(dir, "share", "install"),
		BinDir:             filepath.Join(dir, "bin"),
		LogDir:             filepath.Join(dir, "logs"),
		StateDir:           filepath.Join(dir, "state"),
		Runtime:            "sh",
		CLIName:            "suite",
		DependencyCommand:  []string{"sh", "-c", "touch .deps-installed"},
		DependencyManifest: "package.json",
		Assistant:          config.Component{Entry: "main.sh", Port: 17821},
		Gateway:            config.Component{Entry: "main.sh", Port: 17830},
	}

	ws := &workspace{dir: dir, configPath: filepath.Join(dir, "settings.yaml"), cfg: cfg}
	ws.save(t)

	return ws
}

func (ws *workspace) save(t *testing.T) {
	t.Helper()

	require.NoError(t, config.Save(ws.configPath, ws.cfg))
}

func (ws *workspace) root() string {
	return ws.cfg.InstallRoot
}

func (ws *workspace) gatewayLog() string {
	return filepath.Join(ws.cfg.LogDir, "gateway.log")
}

// sleeps records backoff waits instead of sleeping.
type sleeps struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waits = append(s.waits, d)

	return nil
}

func (s *sleeps) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.waits...)
}

// suiteRelease builds assistant and gateway archives; marker lands in both.
func suiteRelease(t *testing.T, marker string, assistantBody string) map[string][]byte {
	t.Helper()

	return map[string][]byte{
		"assistant-linux-x64.tar.gz": testutil.TarGz(t,
			testutil.Text("assistant/package.json", `{"name":"assistant"}`),
			testutil.Script("assistant/main.sh", assistantBody),
			testutil.Text("assistant/"+marker, marker),
		),
		"gateway-linux-x64.tar.gz": testutil.TarGz(t,
			testutil.Text("package.json", `{"name":"gateway"}`),
			testutil.Script("main.sh", `echo "gateway-sentinel port=$PORT"`),
			testutil.Text(marker, marker),
		),
	}
}

var suiteAssets = []string{"assistant-linux-x64.tar.gz", "gateway-linux-x64.tar.gz"}
