// Package bootstrap assembles a complete node from high-level configuration:
// gossip membership, delivery endpoint, network dispatcher, consensus engine
// and the client gateway, with sensible defaults throughout.
package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    raftcons "github.com/amirimatin/go-raftgate/pkg/consensus/raft"
    "github.com/amirimatin/go-raftgate/pkg/discovery"
    dfile "github.com/amirimatin/go-raftgate/pkg/discovery/file"
    dstatic "github.com/amirimatin/go-raftgate/pkg/discovery/static"
    "github.com/amirimatin/go-raftgate/pkg/gateway"
    "github.com/amirimatin/go-raftgate/pkg/internal/logutil"
    "github.com/amirimatin/go-raftgate/pkg/membership"
    ml "github.com/amirimatin/go-raftgate/pkg/membership/memberlist"
    obsmetrics "github.com/amirimatin/go-raftgate/pkg/observability/metrics"
    "github.com/amirimatin/go-raftgate/pkg/observability/tracing"
    "github.com/amirimatin/go-raftgate/pkg/registry"
    "github.com/amirimatin/go-raftgate/pkg/ring"
    tlsx "github.com/amirimatin/go-raftgate/pkg/security/tlsconfig"
    "github.com/amirimatin/go-raftgate/pkg/state"
    "github.com/amirimatin/go-raftgate/pkg/transport"
    grpct "github.com/amirimatin/go-raftgate/pkg/transport/grpc"
    "github.com/amirimatin/go-raftgate/pkg/transport/httpjson"
)

// Config defines the high-level inputs for one node.
type Config struct {
    // Identity and addresses
    NodeID  string
    RPCAddr string // delivery endpoint bind, host:port
    RPCAdv  string // advertised delivery address; RPCAddr when empty
    Proto   string // "http" (default) or "grpc"
    MemBind string // gossip bind host:port
    MemAdv  string // optional gossip advertise host:port

    // Founding membership and join behavior
    MembersCSV string // founding member node ids; just this node when empty
    JoinMode   bool   // join an existing cluster instead of founding one

    // Seed discovery
    DiscoveryKind string        // "static" (default) or "file"
    SeedsCSV      string        // kind=static
    FilePath      string        // kind=file
    FileEnv       string        // kind=file
    DiscRefresh   time.Duration // file cache staleness bound

    // Persistence; empty keeps the consensus log in memory.
    DataDir string

    // Request routing
    Retry         gateway.RetryPolicy
    SettleDelay   time.Duration
    RegisterDelay time.Duration

    // TLS for the delivery endpoint (optional)
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Tracing enables the OpenTelemetry stdout exporter.
    Tracing bool

    // App receives replicated application commands. Optional.
    App consensus.StateMachine

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
}

func (c *Config) validate() error {
    if c.NodeID == "" {
        return fmt.Errorf("bootstrap: NodeID required")
    }
    if c.RPCAddr == "" {
        return fmt.Errorf("bootstrap: RPCAddr required")
    }
    if c.MemBind == "" {
        return fmt.Errorf("bootstrap: MemBind required")
    }
    return nil
}

// Node is an assembled, startable node.
type Node struct {
    cfg  Config
    log  *log.Logger
    mem  membership.Membership
    net  *transport.Network
    srv  transport.Server
    gw   *gateway.Gateway
    reg  *registry.Registry
    ring *ring.Ring
    st   *state.Store
    disc discovery.Discovery

    evStop chan struct{}
    evOnce sync.Once

    tracingStop func(context.Context) error
}

// Build assembles a Node from Config without starting anything.
func Build(cfg Config) (*Node, error) {
    if err := cfg.validate(); err != nil {
        return nil, err
    }
    if cfg.Logger == nil {
        cfg.Logger = log.Default()
    }

    var disc discovery.Discovery
    switch cfg.DiscoveryKind {
    case "file":
        disc = dfile.New(dfile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.DiscRefresh})
    default:
        disc = dstatic.New(dstatic.Parse(cfg.SeedsCSV)...)
    }

    adv := cfg.RPCAdv
    if adv == "" {
        adv = cfg.RPCAddr
    }
    mem, err := ml.New(ml.Options{
        NodeID:    cfg.NodeID,
        Bind:      cfg.MemBind,
        Advertise: cfg.MemAdv,
        Meta:      map[string]string{"rpc": adv},
        Logger:    cfg.Logger,
    })
    if err != nil {
        return nil, err
    }

    var srvTLS, cliTLS *tls.Config
    if cfg.TLSEnable {
        topts := tlsx.Options{
            Enable:             true,
            CAFile:             cfg.TLSCA,
            CertFile:           cfg.TLSCert,
            KeyFile:            cfg.TLSKey,
            ServerName:         cfg.TLSServerName,
            InsecureSkipVerify: cfg.TLSSkipVerify,
        }
        if srvTLS, err = topts.ServerHotReload(); err != nil {
            return nil, err
        }
        if cliTLS, err = topts.ClientHotReload(); err != nil {
            return nil, err
        }
    }

    var (
        srv transport.Server
        cli transport.Client
    )
    switch cfg.Proto {
    case "grpc":
        s := grpct.NewServer(cfg.RPCAddr)
        if srvTLS != nil {
            s.UseTLS(srvTLS)
        }
        c := grpct.NewClient(3 * time.Second)
        if cliTLS != nil {
            c.UseTLS(cliTLS)
        }
        srv, cli = s, c
    default:
        s := httpjson.NewServer(cfg.RPCAddr, cfg.Logger)
        if srvTLS != nil {
            s.UseTLS(srvTLS)
        }
        c := httpjson.NewClient(3 * time.Second)
        if cliTLS != nil {
            c.UseTLS(cliTLS)
        }
        srv, cli = s, c
    }

    st := state.New()
    hashRing := ring.New(0)
    reg := registry.New()
    netw := transport.NewNetwork(consensus.NodeID(cfg.NodeID), mem, cli)

    gw, err := gateway.New(gateway.Options{
        NodeID:   consensus.NodeID(cfg.NodeID),
        Registry: reg,
        Ring:     hashRing,
        Retry:    cfg.Retry,
        SettleDelay:   cfg.SettleDelay,
        RegisterDelay: cfg.RegisterDelay,
        Logger:        cfg.Logger,
        NewEngine: func(ctx context.Context, d transport.Dispatcher) (consensus.Engine, error) {
            eng, err := raftcons.New(raftcons.Options{
                NodeID:     cfg.NodeID,
                Dispatcher: d,
                DataDir:    cfg.DataDir,
                Store:      st,
                Ring:       hashRing,
                App:        cfg.App,
                Logger:     cfg.Logger,
            })
            if err != nil {
                return nil, err
            }
            if err := eng.Start(ctx); err != nil {
                return nil, err
            }
            return eng, nil
        },
    })
    if err != nil {
        return nil, err
    }

    return &Node{
        cfg:  cfg,
        log:  cfg.Logger,
        mem:  mem,
        net:  netw,
        srv:  srv,
        gw:   gw,
        reg:  reg,
        ring: hashRing,
        st:   st,
        disc: disc,

        evStop: make(chan struct{}),
    }, nil
}

// watchEvents surfaces gossip membership transitions in the node log. Raft
// membership is authoritative; these are the failure detector's observations.
func (n *Node) watchEvents(events <-chan membership.Event) {
    for {
        select {
        case <-n.evStop:
            return
        case ev, ok := <-events:
            if !ok {
                return
            }
            switch ev.Type {
            case membership.EventFailed:
                logutil.Warnf(n.log, "bootstrap: member %s marked failed", ev.Member.ID)
            case membership.EventLeave:
                logutil.Infof(n.log, "bootstrap: member %s left", ev.Member.ID)
            default:
                logutil.Infof(n.log, "bootstrap: member %s joined addr=%s", ev.Member.ID, ev.Member.Addr)
            }
        }
    }
}

// Start brings the node up: observability, gossip join, then gateway Init.
func (n *Node) Start(ctx context.Context) error {
    obsmetrics.Register()
    stop, err := tracing.Setup(n.cfg.Tracing)
    if err != nil {
        return err
    }
    n.tracingStop = stop

    if err := n.mem.Start(ctx); err != nil {
        return err
    }
    go n.watchEvents(n.mem.Events())
    seeds := n.disc.Seeds()
    if len(seeds) > 0 {
        if err := n.mem.Join(seeds); err != nil {
            // Seeds may simply not be up yet; gossip converges later.
            logutil.Warnf(n.log, "bootstrap: join %v: %v", seeds, err)
        }
    }

    var members []consensus.NodeID
    for _, id := range dstatic.Parse(n.cfg.MembersCSV) {
        members = append(members, consensus.NodeID(id))
    }

    err = n.gw.Init(ctx, gateway.InitCommand{
        Members:    members,
        Dispatcher: n.net,
        Server:     n.srv,
        JoinMode:   n.cfg.JoinMode,
    })
    if err != nil {
        _ = n.mem.Stop()
        return err
    }
    logutil.Infof(n.log, "bootstrap: node %s up, rpc=%s proto=%s join=%v",
        n.cfg.NodeID, n.srv.Addr(), n.cfg.Proto, n.cfg.JoinMode)
    return nil
}

// Stop tears the node down in reverse order of Start.
func (n *Node) Stop() error {
    n.evOnce.Do(func() { close(n.evStop) })
    err := n.gw.Stop()
    _ = n.mem.Leave()
    if merr := n.mem.Stop(); merr != nil && err == nil {
        err = merr
    }
    if n.tracingStop != nil {
        ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        _ = n.tracingStop(ctx)
        cancel()
    }
    return err
}

// Gateway returns the client front of this node.
func (n *Node) Gateway() *gateway.Gateway { return n.gw }

// Membership returns the gossip layer.
func (n *Node) Membership() membership.Membership { return n.mem }

// Store returns the replicated membership view.
func (n *Node) Store() *state.Store { return n.st }

// Ring returns the placement ring kept in sync with membership.
func (n *Node) Ring() *ring.Ring { return n.ring }

// RPCAddr returns the bound delivery endpoint address.
func (n *Node) RPCAddr() string { return n.srv.Addr() }

// Run builds and starts a node. The caller owns the returned Node and must
// Stop it when finished.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    n, err := Build(cfg)
    if err != nil {
        return nil, err
    }
    if err := n.Start(ctx); err != nil {
        return nil, err
    }
    return n, nil
}
