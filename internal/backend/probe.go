package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/volthub/volthub/internal/fault"
)

const probeTimeout = 10 * time.Second

// NodeIdentity is the result of a successful connection probe.
type NodeIdentity struct {
	NodeID  string `json:"node_id"`
	Chain   string `json:"chain"`
	Version string `json:"version"`
}

// Prober tests whether a node backend is reachable with the given
// credentials. The Manager never activates a connection that fails its
// probe.
type Prober interface {
	Probe(ctx context.Context, backendURL, password string) (*NodeIdentity, error)
}

// HTTPProber probes the node backend's identity endpoint over HTTP.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with a bounded request timeout.
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{client: &http.Client{Timeout: probeTimeout}}
}

// Probe issues the identity request. Any non-2xx response or network
// failure yields a descriptive error; it never falls back to a placeholder
// identity.
func (p *HTTPProber) Probe(ctx context.Context, backendURL, password string) (*NodeIdentity, error) {
	parsed, err := url.Parse(backendURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fault.Validationf("invalid backend URL %q", backendURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backendURL+"/api/v1/info", nil)
	if err != nil {
		return nil, fmt.Errorf("building probe request: %w", err)
	}
	req.Header.Set("X-Node-Password", password)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fault.Upstreamf("node backend at %s is unreachable: %v", backendURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.Upstreamf("node backend at %s responded %d", backendURL, resp.StatusCode)
	}

	var identity NodeIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fault.Upstreamf("node backend at %s returned an invalid identity: %v", backendURL, err)
	}
	return &identity, nil
}
