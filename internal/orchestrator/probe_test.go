package orchestrator

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/hatchery/internal/config"
)

// TestNewProber maps settings to probes with the port as the default target.
func TestNewProber(t *testing.T) {
	t.Parallel()

	prober, err := NewProber(&config.Readiness{Probe: config.ProbeExit}, 7821)
	require.NoError(t, err)
	require.Nil(t, prober)

	prober, err = NewProber(&config.Readiness{Probe: config.ProbeTCP}, 7821)
	require.NoError(t, err)
	require.Equal(t, "tcp 127.0.0.1:7821", prober.String())

	prober, err = NewProber(&config.Readiness{Probe: config.ProbeHTTP, Interval: time.Second}, 7821)
	require.NoError(t, err)
	require.Equal(t, "http http://127.0.0.1:7821/", prober.String())

	prober, err = NewProber(&config.Readiness{Probe: config.ProbeGRPC, Address: "localhost:9000"}, 7821)
	require.NoError(t, err)
	require.Equal(t, "grpc localhost:9000", prober.String())

	_, err = NewProber(&config.Readiness{Probe: "smoke-signal"}, 7821)
	require.ErrorIs(t, err, errUnknownKind)
}

// TestHTTPProbe accepts 2xx only.
func TestHTTPProbe(t *testing.T) {
	t.Parallel()

	status := http.StatusServiceUnavailable

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	ctx := context.Background()

	require.NoError(t, (&HTTPProbe{URL: server.URL + "/ok"}).Probe(ctx))
	require.ErrorIs(t, (&HTTPProbe{URL: server.URL + "/starting"}).Probe(ctx), errBadStatus)
}

// TestGRPCProbe follows the health service status.
func TestGRPCProbe(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	healthServer := health.NewServer()
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	go func() {
		_ = server.Serve(listener)
	}()

	t.Cleanup(server.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	probe := &GRPCProbe{Address: listener.Addr().String(), Service: "assistant"}

	healthServer.SetServingStatus("assistant", healthpb.HealthCheckResponse_NOT_SERVING)
	require.ErrorIs(t, probe.Probe(ctx), errNotServing)

	healthServer.SetServingStatus("assistant", healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, probe.Probe(ctx))
}

// TestTCPProbe fails against a closed port.
func TestTCPProbe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Error(t, (&TCPProbe{Address: closedAddress(t)}).Probe(ctx))
}
