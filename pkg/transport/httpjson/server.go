package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    obsmetrics "github.com/amirimatin/go-raftgate/pkg/observability/metrics"
    "github.com/amirimatin/go-raftgate/pkg/observability/tracing"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// Server is a minimal HTTP delivery endpoint. Peers POST typed envelopes to
// /message; the dispatch function routes them through the handler registry.
// It also exposes metrics/healthz for development tooling.
type Server struct {
    bind   string
    srv    *http.Server
    ln     net.Listener
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g. ":17950").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil {
        logger = log.Default()
    }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start launches the HTTP server. It is shut down when the context is
// canceled.
func (s *Server) Start(ctx context.Context, dispatch transport.DispatchFunc) error {
    mux := http.NewServeMux()
    mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        if dispatch == nil {
            http.Error(w, "dispatch not configured", http.StatusNotImplemented)
            return
        }
        var env transport.Envelope
        if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.message")
        defer end()
        obsmetrics.DeliveriesTotal.WithLabelValues(env.Type).Inc()
        reply, err := dispatch(ctx, env)
        if err != nil {
            http.Error(w, err.Error(), http.StatusInternalServerError)
            return
        }
        w.Header().Set("Content-Type", "application/json")
        if len(reply) == 0 {
            reply = []byte("{}")
        }
        _, _ = w.Write(reply)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet {
            http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
            return
        }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    // Prometheus metrics
    mux.Handle("/metrics", promhttp.Handler())

    s.srv = &http.Server{Addr: s.bind, Handler: mux}

    ln, err := net.Listen("tcp", s.bind)
    if err != nil {
        return err
    }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    s.ln = ln

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.logger.Printf("httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the listener address once started, else the configured bind.
func (s *Server) Addr() string {
    if s.ln != nil {
        return s.ln.Addr().String()
    }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil {
        return nil
    }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

var _ transport.Server = (*Server)(nil)
