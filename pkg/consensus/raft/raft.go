package raftcons

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/internal/logutil"
    "github.com/amirimatin/go-raftgate/pkg/registry"
    "github.com/amirimatin/go-raftgate/pkg/state"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// Engine implements consensus.Engine using HashiCorp Raft. All wire traffic
// (replication, votes, snapshots, forwarded proposals) flows through the
// shared dispatcher/registry rather than a private TCP transport.
type Engine struct {
    opts  Options
    log   *log.Logger
    r     *raft.Raft
    store *state.Store
    trans *wireTransport
}

func New(opts Options) (*Engine, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftcons: empty NodeID")
    }
    if opts.Dispatcher == nil {
        return nil, fmt.Errorf("raftcons: nil Dispatcher")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    if opts.ApplyTimeout <= 0 {
        opts.ApplyTimeout = 5 * time.Second
    }
    st := opts.Store
    if st == nil {
        st = state.New()
    }
    return &Engine{opts: opts, log: opts.Logger, store: st}, nil
}

func (e *Engine) Start(ctx context.Context) error {
    if e.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(e.opts.NodeID)
    if e.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = e.opts.HeartbeatTimeout
        // Keep lease <= heartbeat to satisfy invariants
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 {
                cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
            }
        }
    }
    if e.opts.ElectionTimeout > 0 {
        cfg.ElectionTimeout = e.opts.ElectionTimeout
    }
    if e.opts.CommitTimeout > 0 {
        cfg.CommitTimeout = e.opts.CommitTimeout
    }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
    )

    // Storage selection: on-disk when DataDir provided, else in-memory.
    if e.opts.DataDir != "" {
        if e.opts.SnapshotsRetained == 0 {
            e.opts.SnapshotsRetained = 2
        }
        if err := os.MkdirAll(e.opts.DataDir, 0o755); err != nil {
            return err
        }
        bpath := filepath.Join(e.opts.DataDir, "raft.db")
        bstore, err := raftboltdb.NewBoltStore(bpath)
        if err != nil {
            return err
        }
        logs = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(e.opts.DataDir, e.opts.SnapshotsRetained, os.Stderr)
        if err != nil {
            return err
        }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if e.opts.DataDir != "" {
        logutil.Infof(e.log, "raftcons: node %s starting with on-disk stores in %s", e.opts.NodeID, e.opts.DataDir)
    } else {
        logutil.Infof(e.log, "raftcons: node %s starting with in-memory stores", e.opts.NodeID)
    }

    e.trans = newWireTransport(e.opts.NodeID, e.opts.Dispatcher, e.opts.RPCTimeout)
    fsm := newCommandFSM(e.store, e.opts.Ring, e.opts.App)

    r, err := raft.NewRaft(cfg, fsm, logs, stable, snaps, e.trans)
    if err != nil {
        return err
    }
    e.r = r

    go func() {
        <-ctx.Done()
        _ = e.Stop()
    }()
    return nil
}

// Propose submits one wrapped command. ModeFireAndForget returns immediately;
// committed and applied modes behave identically here because hashicorp/raft
// acknowledges an entry only after the FSM applied it.
func (e *Engine) Propose(ctx context.Context, p consensus.Proposal) (*consensus.ApplyResult, error) {
    if e.r == nil {
        return nil, consensus.ErrNotStarted
    }
    data, err := json.Marshal(p.Command)
    if err != nil {
        return nil, err
    }
    if p.Mode == consensus.ModeFireAndForget {
        go func() { _, _ = e.apply(data) }()
        return nil, nil
    }
    return e.apply(data)
}

func (e *Engine) apply(data []byte) (*consensus.ApplyResult, error) {
    if e.r.State() != raft.Leader {
        id, _ := e.Leader()
        return nil, &consensus.ForwardToLeaderError{Leader: id}
    }
    af := e.r.Apply(data, e.opts.ApplyTimeout)
    if err := af.Error(); err != nil {
        return nil, classify(err, e)
    }
    res := &consensus.ApplyResult{Index: af.Index()}
    switch v := af.Response().(type) {
    case nil:
    case error:
        return nil, &consensus.ApplicationError{Err: v}
    case []byte:
        res.Data = v
    }
    return res, nil
}

// ProposeMembershipChange reconfigures the active member set through raft's
// own membership protocol, distinct from ordinary log entries.
func (e *Engine) ProposeMembershipChange(ctx context.Context, add, remove []consensus.NodeID) error {
    if e.r == nil {
        return consensus.ErrNotStarted
    }
    if e.r.State() != raft.Leader {
        id, _ := e.Leader()
        return &consensus.ForwardToLeaderError{Leader: id}
    }
    for _, id := range add {
        if err := e.addVoter(id); err != nil {
            return classify(err, e)
        }
    }
    for _, id := range remove {
        f := e.r.RemoveServer(raft.ServerID(id), 0, e.opts.ApplyTimeout)
        if err := f.Error(); err != nil {
            return classify(err, e)
        }
    }
    return nil
}

func (e *Engine) addVoter(id consensus.NodeID) error {
    // Fast-path: already present.
    cfg := e.r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if srv.ID == raft.ServerID(id) {
                return nil
            }
        }
    }
    f := e.r.AddVoter(raft.ServerID(id), raft.ServerAddress(id), 0, e.opts.ApplyTimeout)
    return f.Error()
}

// InitializeMembership bootstraps the cluster configuration with the given
// member list. Valid once, on a fresh cluster.
func (e *Engine) InitializeMembership(ctx context.Context, members []consensus.NodeID) error {
    if e.r == nil {
        return consensus.ErrNotStarted
    }
    servers := make([]raft.Server, 0, len(members))
    for _, id := range members {
        servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(id)})
    }
    f := e.r.BootstrapCluster(raft.Configuration{Servers: servers})
    if err := f.Error(); err != nil {
        return fmt.Errorf("raftcons: bootstrap: %w", err)
    }
    return nil
}

func (e *Engine) IsLeader() bool {
    if e.r == nil {
        return false
    }
    return e.r.State() == raft.Leader
}

func (e *Engine) Leader() (consensus.NodeID, bool) {
    if e.r == nil {
        return "", false
    }
    _, sid := e.r.LeaderWithID()
    if sid == "" {
        return "", false
    }
    return consensus.NodeID(sid), true
}

// MembershipSnapshot returns the engine's active member set.
func (e *Engine) MembershipSnapshot() ([]consensus.NodeID, error) {
    if e.r == nil {
        return nil, consensus.ErrNotStarted
    }
    cfg := e.r.GetConfiguration()
    if err := cfg.Error(); err != nil {
        return nil, err
    }
    servers := cfg.Configuration().Servers
    out := make([]consensus.NodeID, 0, len(servers))
    for _, srv := range servers {
        out = append(out, consensus.NodeID(srv.ID))
    }
    return out, nil
}

// Store exposes the replicated membership view applied from the log.
func (e *Engine) Store() *state.Store { return e.store }

// WireHandlers returns the dispatch targets this engine registers for:
// consensus control traffic plus forwarded client proposals.
func (e *Engine) WireHandlers() map[string]registry.Handler {
    hs := e.trans.handlers()
    hs[transport.MsgProposal] = registry.HandlerFunc(e.handleProposal)
    return hs
}

func (e *Engine) handleProposal(ctx context.Context, payload []byte) ([]byte, error) {
    var p consensus.Proposal
    if err := json.Unmarshal(payload, &p); err != nil {
        return nil, err
    }
    res, err := e.Propose(ctx, p)
    return json.Marshal(transport.NewProposalReply(res, err))
}

// Stop shuts the raft core down. The engine pointer stays set so concurrent
// leadership queries observe a stopped follower instead of racing a nil.
func (e *Engine) Stop() error {
    if e.r == nil {
        return nil
    }
    return e.r.Shutdown().Error()
}

// classify maps raft errors onto the engine error taxonomy.
func classify(err error, e *Engine) error {
    if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) || errors.Is(err, raft.ErrLeadershipTransferInProgress) {
        id, _ := e.Leader()
        return &consensus.ForwardToLeaderError{Leader: id}
    }
    return fmt.Errorf("%w: %v", consensus.ErrInternal, err)
}

// Ensure interface compliance
var _ consensus.Engine = (*Engine)(nil)
var _ consensus.WireHandlerProvider = (*Engine)(nil)
var _ consensus.MembershipReporter = (*Engine)(nil)
