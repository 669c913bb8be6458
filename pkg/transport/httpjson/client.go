package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// Client posts envelopes to a peer's /message endpoint. Delivery is a single
// attempt; retry policy lives in the gateway, which classifies delivery
// failures as recoverable.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 {
        timeout = 3 * time.Second
    }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil {
        c.transport.TLSClientConfig = cfg
    }
    c.isTLS = cfg != nil
    return c
}

// Send delivers one envelope and returns the raw reply body.
func (c *Client) Send(ctx context.Context, addr string, env transport.Envelope) ([]byte, error) {
    scheme := "http"
    if c.isTLS {
        scheme = "https"
    }
    url := fmt.Sprintf("%s://%s/message", scheme, addr)
    body, err := json.Marshal(env)
    if err != nil {
        return nil, err
    }
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
    if err != nil {
        return nil, err
    }
    req.Header.Set("Content-Type", "application/json")
    resp, err := c.httpc.Do(req)
    if err != nil {
        return nil, err
    }
    defer resp.Body.Close()
    b, _ := io.ReadAll(resp.Body)
    if resp.StatusCode != http.StatusOK {
        return nil, fmt.Errorf("httpjson: %s status %d: %s", env.Type, resp.StatusCode, string(b))
    }
    return b, nil
}

var _ transport.Client = (*Client)(nil)
