// Package ethrpc wraps go-ethereum's JSON-RPC client for single-shot probes
// against a fleet of heterogeneous client versions. Every call is best-effort
// and bounded by the caller's context; nothing here retries.
package ethrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// Client issues JSON-RPC requests over HTTP to one node endpoint.
type Client struct {
	name string
	rpc  *rpc.Client
}

// Dial creates a client for the given endpoint. The HTTP client timeout is the
// hard per-request budget, so a stalled node cannot block a polling round for
// longer than this.
func Dial(name, url string, timeout time.Duration) (*Client, error) {
	httpClient := &http.Client{Timeout: timeout}
	c, err := rpc.DialOptions(context.Background(), url, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s (%s): %w", name, url, err)
	}
	return &Client{name: name, rpc: c}, nil
}

// Name returns the display name the client was dialed with.
func (c *Client) Name() string { return c.name }

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// Call issues a single JSON-RPC request and returns the raw result. Transport
// failures, non-2xx responses and JSON-RPC error envelopes all surface as a
// non-nil error.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, method, params...); err != nil {
		return nil, fmt.Errorf("rpc %s %s: %w", c.name, method, err)
	}
	return raw, nil
}

// CallOptional is Call for methods that very old client versions may not
// implement. It reports ok=false instead of an error so callers can treat
// "method absent" as a normal state.
func (c *Client) CallOptional(ctx context.Context, method string, params ...interface{}) (json.RawMessage, bool) {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return nil, false
	}
	return raw, true
}
