// Package participant invokes phase two on resource managers over HTTP.
package participant

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/gtxd/internal/coordinator"
	"pkt.systems/gtxd/internal/correlation"
	"pkt.systems/gtxd/internal/session"
	"pkt.systems/gtxd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	commitPath   = "/branch/commit"
	rollbackPath = "/branch/rollback"

	// DefaultTimeout bounds a single participant call.
	DefaultTimeout = 5 * time.Second
	// Wildcard is the endpoint key used for resources without their own entry.
	Wildcard = "*"

	maxResponseBytes = 64 << 10
)

// Config configures the HTTP participant client.
type Config struct {
	// Endpoints maps a resource id to the base URL of its resource manager.
	Endpoints map[string]string
	Timeout   time.Duration
	// CAFile adds PEM roots used to verify HTTPS participants.
	CAFile string
	// Insecure skips TLS verification.
	Insecure bool
	// Tracing wraps the transport with otelhttp.
	Tracing bool
	Logger  pslog.Logger
	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

// Response is the body a resource manager replies with.
type Response struct {
	Status session.BranchStatus `json:"status"`
	Error  string               `json:"error,omitempty"`
}

// Client implements coordinator.Participant.
type Client struct {
	endpoints map[string]string
	http      *http.Client
	timeout   time.Duration
	logger    pslog.Logger
}

var _ coordinator.Participant = (*Client)(nil)

// New builds a Client.
func New(cfg Config) (*Client, error) {
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for resource, base := range cfg.Endpoints {
		resource = strings.TrimSpace(resource)
		base = strings.TrimSpace(base)
		if resource == "" || base == "" {
			return nil, fmt.Errorf("participant: empty endpoint mapping %q=%q", resource, base)
		}
		endpoints[resource] = strings.TrimSuffix(base, "/")
	}
	transport := cfg.Transport
	if transport == nil {
		tr, err := newTransport(cfg.CAFile, cfg.Insecure)
		if err != nil {
			return nil, err
		}
		transport = tr
	}
	if cfg.Tracing {
		transport = otelhttp.NewTransport(transport)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{Transport: transport},
		timeout:   timeout,
		logger:    svcfields.WithSubsystem(logger, "participant.http"),
	}, nil
}

func newTransport(caFile string, insecure bool) (*http.Transport, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("participant: http transport unexpected type")
	}
	tr := base.Clone()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("participant: read ca file: %w", err)
		}
		roots, err := x509.SystemCertPool()
		if err != nil || roots == nil {
			roots = x509.NewCertPool()
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("participant: no certificates in %s", caFile)
		}
		tlsCfg.RootCAs = roots
	}
	tr.TLSClientConfig = tlsCfg
	return tr, nil
}

// Endpoint returns the base URL serving resourceID.
func (c *Client) Endpoint(resourceID string) (string, bool) {
	if base, ok := c.endpoints[resourceID]; ok {
		return base, true
	}
	base, ok := c.endpoints[Wildcard]
	return base, ok
}

// BranchCommit asks the resource manager to commit the branch.
func (c *Client) BranchCommit(ctx context.Context, inv coordinator.BranchInvocation) (session.BranchStatus, error) {
	return c.call(ctx, commitPath, inv)
}

// BranchRollback asks the resource manager to roll the branch back.
func (c *Client) BranchRollback(ctx context.Context, inv coordinator.BranchInvocation) (session.BranchStatus, error) {
	return c.call(ctx, rollbackPath, inv)
}

func (c *Client) call(ctx context.Context, path string, inv coordinator.BranchInvocation) (session.BranchStatus, error) {
	base, ok := c.Endpoint(inv.ResourceID)
	if !ok {
		return "", fmt.Errorf("participant: no endpoint for resource %q", inv.ResourceID)
	}
	body, err := json.Marshal(inv)
	if err != nil {
		return "", err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("participant.call.error", "path", path, "xid", inv.XID, "branch_id", inv.BranchID, "error", err)
		return "", err
	}
	defer resp.Body.Close()

	var out Response
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out)
	c.logger.Trace("participant.call", "path", path, "xid", inv.XID, "branch_id", inv.BranchID, "http_status", resp.StatusCode, "status", out.Status, "elapsed", time.Since(start))
	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && out.Error != "" {
			return "", fmt.Errorf("participant: status %d: %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("participant: status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("participant: decode response: %w", decodeErr)
	}
	if !out.Status.Valid() {
		return "", fmt.Errorf("participant: unknown branch status %q", out.Status)
	}
	return out.Status, nil
}
