package grpc

import (
    "context"
    "crypto/tls"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// Client delivers envelopes over gRPC with cached connections.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 {
        timeout = 3 * time.Second
    }
    c := &Client{timeout: timeout}
    // The manager must exist before the first Send; raft replication and
    // forwarded proposals hit a fresh client from many goroutines at once.
    c.cm = NewConnManager(30*time.Second, c.dialCtx)
    return c
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

// Send delivers one envelope and returns the raw reply body.
func (c *Client) Send(ctx context.Context, addr string, env transport.Envelope) ([]byte, error) {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil {
        return nil, err
    }
    defer rel()
    out := new(replyBlob)
    if err := cc.Invoke(cctx, "/raftgate.v1.Delivery/Send", &env, out); err != nil {
        return nil, err
    }
    return out.Data, nil
}

// Close releases all cached connections.
func (c *Client) Close() { c.cm.Close() }

var _ transport.Client = (*Client)(nil)
