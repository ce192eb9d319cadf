package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/kkpan11/ipyflow/internal/ctxlog"
)

// Kernel describes one kernel known to the gateway.
type Kernel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state"`
}

// Client talks to the gateway's REST API. Construct with New; the zero value
// is not usable.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the gateway at base. An empty token disables the
// auth header.
func New(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := sonic.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}

// ListKernels returns every kernel the gateway is running.
func (c *Client) ListKernels(ctx context.Context) ([]Kernel, error) {
	var out []Kernel
	if err := c.do(ctx, http.MethodGet, "/api/kernels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartKernel asks the gateway to launch a kernel. An empty name lets the
// gateway pick its default.
func (c *Client) StartKernel(ctx context.Context, name string) (Kernel, error) {
	body := map[string]string{}
	if name != "" {
		body["name"] = name
	}
	var out Kernel
	if err := c.do(ctx, http.MethodPost, "/api/kernels", body, &out); err != nil {
		return Kernel{}, err
	}
	return out, nil
}

// ResolveKernel returns a usable kernel: the first running one (matching name
// when given), or a freshly started one when none is running.
func (c *Client) ResolveKernel(ctx context.Context, name string) (Kernel, error) {
	logger := ctxlog.FromContext(ctx).With("component", "gateway")

	running, err := c.ListKernels(ctx)
	if err != nil {
		return Kernel{}, fmt.Errorf("list kernels: %w", err)
	}
	for _, k := range running {
		if name == "" || k.Name == name {
			logger.Info("Reusing running kernel.", "kernel_id", k.ID, "name", k.Name)
			return k, nil
		}
	}

	logger.Info("No matching kernel running, starting one.", "name", name)
	k, err := c.StartKernel(ctx, name)
	if err != nil {
		return Kernel{}, fmt.Errorf("start kernel: %w", err)
	}
	logger.Info("Kernel started.", "kernel_id", k.ID, "name", k.Name)
	return k, nil
}

// CommEndpoint derives the socket.io endpoint for a kernel's comm channel.
func (c *Client) CommEndpoint(k Kernel) string {
	return fmt.Sprintf("%s/api/kernels/%s/channels", c.base, url.PathEscape(k.ID))
}
