package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// probeTimeout bounds the reachability probe so the discovery loop's round
// never hangs on a dead endpoint.
const probeTimeout = 2 * time.Second

// Client is an HTTP client for a remote service instance. The available flag
// is an independent atomic so request handlers can read it lock-free while
// the discovery loop refreshes it.
type Client struct {
	typ      Type
	baseURL  string
	locality Locality
	secret   string // local service secret for privileged calls, empty for remote
	http     *http.Client
	logger   *slog.Logger

	serviceID atomic.Value // string, learned from the first status response
	available atomic.Bool
	busy      atomic.Bool
}

// NewClient builds a client for the service at baseURL. It does not probe;
// call CheckOnline or use Probe before constructing to avoid dead clients.
func NewClient(typ Type, baseURL string, locality Locality, secret string, logger *slog.Logger) *Client {
	return &Client{
		typ:      typ,
		baseURL:  strings.TrimRight(baseURL, "/"),
		locality: locality,
		secret:   secret,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Probe checks whether a service of any type answers its /status endpoint at
// url. Used by the discovery loop before constructing a client, so that
// construction can fail silently when nothing is listening.
func Probe(ctx context.Context, url string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("service: build probe request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("service: probe %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("service: probe %s: status %d", url, resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("service: probe %s: decode status: %w", url, err)
	}
	return &st, nil
}

// ServiceType implements Service.
func (c *Client) ServiceType() Type { return c.typ }

// ServiceID implements Service. Empty until the first successful status call.
func (c *Client) ServiceID() string {
	id, _ := c.serviceID.Load().(string)
	return id
}

// URL implements Service.
func (c *Client) URL() string { return c.baseURL }

// Locality implements Service.
func (c *Client) Locality() Locality { return c.locality }

// Available implements Service.
func (c *Client) Available() bool { return c.available.Load() }

// Busy implements Service.
func (c *Client) Busy() bool { return c.busy.Load() }

// CheckOnline probes /status and updates the available and busy flags. A
// failed probe marks the client offline but does not discard it: the
// discovery loop retries on its next round.
func (c *Client) CheckOnline(ctx context.Context) bool {
	st, err := c.Status(ctx)
	if err != nil {
		c.available.Store(false)
		return false
	}
	if st.ServiceID != "" {
		c.serviceID.Store(st.ServiceID)
	}
	c.available.Store(st.Available)
	c.busy.Store(st.Busy)
	return st.Available
}

// Status fetches the instance's live status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := c.get(ctx, "/status", &st); err != nil {
		return Status{}, err
	}
	return st, nil
}

// Capabilities implements Service.
func (c *Client) Capabilities(ctx context.Context) (Capabilities, error) {
	var caps Capabilities
	if err := c.get(ctx, "/capabilities", &caps); err != nil {
		return Capabilities{}, err
	}
	return caps, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("service: build request %s: %w", path, err)
	}
	if c.secret != "" {
		req.Header.Set("X-Service-Secret", c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("service: %s %s: %w", c.typ, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("service: %s %s: status %d: %s", c.typ, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("service: %s %s: decode response: %w", c.typ, path, err)
	}
	return nil
}
