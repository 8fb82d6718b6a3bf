package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/hatchery/internal/config"
	"github.com/oshokin/hatchery/internal/version"
)

const probeHost = "127.0.0.1"

var (
	errNotServing  = errors.New("health status is not SERVING")
	errBadStatus   = errors.New("unexpected http status")
	errUnknownKind = errors.New("unknown readiness probe")
)

// Prober makes one readiness check against a running process.
type Prober interface {
	Probe(ctx context.Context) error
	String() string
}

// NewProber builds the probe configured in readiness for a process listening
// on port. The exit probe has no Prober and yields nil.
func NewProber(readiness *config.Readiness, port int) (Prober, error) {
	address := readiness.Address

	switch readiness.Probe {
	case "", config.ProbeExit:
		return nil, nil //nolint:nilnil // No prober means exit-code readiness.
	case config.ProbeTCP:
		if address == "" {
			address = net.JoinHostPort(probeHost, strconv.Itoa(port))
		}

		return &TCPProbe{Address: address}, nil
	case config.ProbeHTTP:
		if address == "" {
			address = (&url.URL{Scheme: "http", Host: net.JoinHostPort(probeHost, strconv.Itoa(port)), Path: "/"}).String()
		}

		return &HTTPProbe{URL: address, Client: &http.Client{Timeout: readiness.Interval + time.Second}}, nil
	case config.ProbeGRPC:
		if address == "" {
			address = net.JoinHostPort(probeHost, strconv.Itoa(port))
		}

		return &GRPCProbe{Address: address}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownKind, readiness.Probe)
	}
}

// TCPProbe is ready once Address accepts a connection.
type TCPProbe struct {
	Address string
}

// Probe dials once.
func (p *TCPProbe) Probe(ctx context.Context) error {
	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}

	return conn.Close()
}

func (p *TCPProbe) String() string {
	return "tcp " + p.Address
}

// HTTPProbe is ready once URL answers with a 2xx status.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// Probe sends one GET.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, http.NoBody)
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", version.UserAgent())

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	_ = resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %d", errBadStatus, resp.StatusCode)
	}

	return nil
}

func (p *HTTPProbe) String() string {
	return "http " + p.URL
}

// GRPCProbe is ready once the grpc.health.v1 service reports SERVING for
// Service ("" is the whole server).
type GRPCProbe struct {
	Address string
	Service string
}

// Probe performs one health check.
func (p *GRPCProbe) Probe(ctx context.Context) error {
	conn, err := grpc.NewClient(p.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}

	defer func() {
		_ = conn.Close()
	}()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return err
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}

	return nil
}

func (p *GRPCProbe) String() string {
	return "grpc " + p.Address
}
