// Package gateway is the node-local front of the replicated cluster: it
// bootstraps or joins the consensus group, routes client commands to the
// current leader with retry, and carries membership changes. One run loop
// owns all mutable state; requests travel through an inbox channel and the
// blocking legs run in per-request goroutines.
package gateway

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-raftgate/pkg/observability/metrics"
    "github.com/amirimatin/go-raftgate/pkg/registry"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// leaderBinder is implemented by dispatchers that take their leadership
// answer from the local engine once it exists.
type leaderBinder interface {
    BindLeaderSource(src transport.LeaderSource)
}

// Gateway is the client protocol front. Zero value is not usable; construct
// with New and call Init exactly once.
type Gateway struct {
    opts  Options
    inbox chan any
    done  chan struct{}
}

func New(opts Options) (*Gateway, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    opts.withDefaults()
    g := &Gateway{
        opts:  opts,
        inbox: make(chan any, 16),
        done:  make(chan struct{}),
    }
    go g.run()
    return g, nil
}

// Init performs the one-shot bring-up: builds the engine, registers wire
// handlers, starts the delivery endpoint and, when founding, schedules the
// two-phase bootstrap. A second call returns ErrAlreadyInitialized.
func (g *Gateway) Init(ctx context.Context, cmd InitCommand) error {
    reply := make(chan error, 1)
    if err := g.send(ctx, initMsg{cmd: cmd, ctx: ctx, reply: reply}); err != nil {
        return err
    }
    select {
    case err := <-reply:
        return err
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Submit routes cmd toward the leader without waiting for the outcome,
// matching the fire-and-forget client contract. Routing failures are retried
// in the background per the retry policy.
func (g *Gateway) Submit(ctx context.Context, cmd consensus.Command) error {
    reply := make(chan submitResult, 1)
    p := consensus.Proposal{Command: cmd, Mode: consensus.ModeApplied}
    return g.send(ctx, submitMsg{ctx: context.WithoutCancel(ctx), prop: p, reply: reply})
}

// SubmitWait routes cmd toward the leader and waits for the applied result.
func (g *Gateway) SubmitWait(ctx context.Context, cmd consensus.Command) (*consensus.ApplyResult, error) {
    reply := make(chan submitResult, 1)
    p := consensus.Proposal{Command: cmd, Mode: consensus.ModeApplied}
    if err := g.send(ctx, submitMsg{ctx: ctx, prop: p, reply: reply}); err != nil {
        return nil, err
    }
    select {
    case r := <-reply:
        return r.res, r.err
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

// ChangeConfig applies a membership change, locally when this node leads and
// by forwarding the change to the leader otherwise.
func (g *Gateway) ChangeConfig(ctx context.Context, change ConfigChange) error {
    reply := make(chan error, 1)
    if err := g.send(ctx, configMsg{ctx: ctx, change: change, reply: reply}); err != nil {
        return err
    }
    select {
    case err := <-reply:
        return err
    case <-ctx.Done():
        return ctx.Err()
    }
}

// AddNode admits id into the cluster.
func (g *Gateway) AddNode(ctx context.Context, id consensus.NodeID) error {
    return g.ChangeConfig(ctx, ConfigChange{Add: []consensus.NodeID{id}})
}

// RemoveNode removes id from the cluster. The removal is first recorded in
// the replicated log, then the configuration change detaches the node; the
// log entry must commit before the member set shrinks so that the departure
// survives in the audit history.
func (g *Gateway) RemoveNode(ctx context.Context, id consensus.NodeID) error {
    if _, err := g.SubmitWait(ctx, consensus.RemoveMember(id)); err != nil {
        return err
    }
    return g.ChangeConfig(ctx, ConfigChange{Remove: []consensus.NodeID{id}})
}

// Leader returns the currently believed leader. Every call re-queries the
// dispatcher; nothing is cached at this layer.
func (g *Gateway) Leader(ctx context.Context) (consensus.NodeID, error) {
    st, err := g.Status(ctx)
    if err != nil {
        return "", err
    }
    if st.Leader == "" {
        return "", transport.ErrUnknownLeader
    }
    return st.Leader, nil
}

// Status reports the local view: identity, leadership and member set.
func (g *Gateway) Status(ctx context.Context) (Status, error) {
    reply := make(chan statusReply, 1)
    if err := g.send(ctx, statusMsg{ctx: ctx, reply: reply}); err != nil {
        return Status{}, err
    }
    select {
    case r := <-reply:
        return r.st, r.err
    case <-ctx.Done():
        return Status{}, ctx.Err()
    }
}

// Owner returns the member owning key on the hash ring, when a ring is
// configured.
func (g *Gateway) Owner(key string) (consensus.NodeID, bool) {
    if g.opts.Ring == nil {
        return "", false
    }
    return g.opts.Ring.Locate(key)
}

// Stop shuts the gateway down: the delivery endpoint first, then the engine.
// Idempotent.
func (g *Gateway) Stop() error {
    reply := make(chan error, 1)
    select {
    case g.inbox <- stopMsg{reply: reply}:
        return <-reply
    case <-g.done:
        return nil
    }
}

func (g *Gateway) send(ctx context.Context, m any) error {
    select {
    case g.inbox <- m:
        return nil
    case <-g.done:
        return ErrClosed
    case <-ctx.Done():
        return ctx.Err()
    }
}

// run is the single goroutine owning gateway state.
func (g *Gateway) run() {
    var (
        eng  consensus.Engine
        disp transport.Dispatcher
        srv  transport.Server
    )
    for m := range g.inbox {
        switch msg := m.(type) {
        case initMsg:
            if eng != nil {
                msg.reply <- ErrAlreadyInitialized
                continue
            }
            e, s, err := g.handleInit(msg.ctx, msg.cmd)
            if err == nil {
                eng, disp, srv = e, msg.cmd.Dispatcher, s
            }
            msg.reply <- err

        case submitMsg:
            if eng == nil {
                msg.reply <- submitResult{err: ErrNotInitialized}
                continue
            }
            go func(msg submitMsg) {
                res, err := g.runProposal(msg.ctx, eng, disp, msg.prop)
                msg.reply <- submitResult{res: res, err: err}
            }(msg)

        case configMsg:
            if eng == nil {
                msg.reply <- ErrNotInitialized
                continue
            }
            go func(msg configMsg) {
                msg.reply <- g.runConfigChange(msg.ctx, eng, disp, msg.change)
            }(msg)

        case statusMsg:
            if eng == nil {
                msg.reply <- statusReply{err: ErrNotInitialized}
                continue
            }
            msg.reply <- statusReply{st: g.status(msg.ctx, eng, disp)}

        case stopMsg:
            var err error
            if srv != nil {
                ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
                err = srv.Stop(ctx)
                cancel()
            }
            if eng != nil {
                if serr := eng.Stop(); serr != nil && err == nil {
                    err = serr
                }
            }
            close(g.done)
            msg.reply <- err
            return
        }
    }
}

type statusReply struct {
    st  Status
    err error
}

// handleInit wires everything together. Runs on the loop goroutine; all the
// slow legs (bootstrap) are scheduled, not awaited.
func (g *Gateway) handleInit(ctx context.Context, cmd InitCommand) (consensus.Engine, transport.Server, error) {
    if cmd.Dispatcher == nil {
        return nil, nil, fmt.Errorf("gateway: init without dispatcher")
    }

    eng, err := g.opts.NewEngine(ctx, cmd.Dispatcher)
    if err != nil {
        return nil, nil, fmt.Errorf("gateway: engine: %w", err)
    }

    // Registrations: the engine for its consensus and proposal traffic, the
    // gateway for config changes and status queries.
    if wp, ok := eng.(consensus.WireHandlerProvider); ok {
        for msgType, h := range wp.WireHandlers() {
            g.opts.Registry.Register(msgType, h)
        }
    }
    g.opts.Registry.Register(transport.MsgConfigChange, registry.HandlerFunc(
        func(hctx context.Context, payload []byte) ([]byte, error) {
            return g.handleConfigEnvelope(hctx, eng, cmd.Dispatcher, payload)
        }))
    g.opts.Registry.Register(transport.MsgStatus, registry.HandlerFunc(
        func(hctx context.Context, payload []byte) ([]byte, error) {
            return json.Marshal(g.status(hctx, eng, cmd.Dispatcher))
        }))

    if b, ok := cmd.Dispatcher.(leaderBinder); ok {
        b.BindLeaderSource(eng)
    }

    if cmd.Server != nil {
        dispatch := func(dctx context.Context, env transport.Envelope) ([]byte, error) {
            return g.opts.Registry.Dispatch(dctx, env.Type, env.Payload)
        }
        if err := cmd.Server.Start(ctx, dispatch); err != nil {
            _ = eng.Stop()
            return nil, nil, fmt.Errorf("gateway: delivery endpoint: %w", err)
        }
    }

    if cmd.JoinMode {
        logutil.Infof(g.opts.Logger, "gateway: node %s up in join mode, waiting for admission", g.opts.NodeID)
    } else {
        members := cmd.Members
        if len(members) == 0 {
            members = []consensus.NodeID{g.opts.NodeID}
        }
        go g.bootstrap(eng, cmd.Dispatcher, members)
    }

    go g.watchLeadership(eng)
    return eng, cmd.Server, nil
}

// bootstrap runs the founding sequence: settle, initialize the membership,
// let the election settle, then record this node in the replicated log.
func (g *Gateway) bootstrap(eng consensus.Engine, disp transport.Dispatcher, members []consensus.NodeID) {
    logutil.Infof(g.opts.Logger, "gateway: founding cluster with %d member(s) in %s", len(members), g.opts.SettleDelay)
    select {
    case <-time.After(g.opts.SettleDelay):
    case <-g.done:
        return
    }
    if err := eng.InitializeMembership(context.Background(), members); err != nil {
        logutil.Warnf(g.opts.Logger, "gateway: bootstrap: %v", err)
    }
    select {
    case <-time.After(g.opts.RegisterDelay):
    case <-g.done:
        return
    }
    p := consensus.Proposal{Command: consensus.AddMember(g.opts.NodeID), Mode: consensus.ModeApplied}
    if _, err := g.runProposal(context.Background(), eng, disp, p); err != nil {
        logutil.Errorf(g.opts.Logger, "gateway: self registration: %v", err)
        return
    }
    logutil.Infof(g.opts.Logger, "gateway: node %s registered", g.opts.NodeID)
}

// watchLeadership keeps the leadership and member-count gauges current.
func (g *Gateway) watchLeadership(eng consensus.Engine) {
    ticker := time.NewTicker(time.Second)
    defer ticker.Stop()
    for {
        select {
        case <-g.done:
            return
        case <-ticker.C:
            if eng.IsLeader() {
                obsmetrics.IsLeader.Set(1)
            } else {
                obsmetrics.IsLeader.Set(0)
            }
            if mr, ok := eng.(consensus.MembershipReporter); ok {
                if ids, err := mr.MembershipSnapshot(); err == nil {
                    obsmetrics.ClusterMembers.Set(float64(len(ids)))
                }
            }
        }
    }
}

// runProposal drives one client request to completion: route, classify,
// retry. Application rejections are dropped; every routing failure is
// recoverable and retried after backoff until the policy gives up.
func (g *Gateway) runProposal(ctx context.Context, eng consensus.Engine, disp transport.Dispatcher, p consensus.Proposal) (*consensus.ApplyResult, error) {
    attempt := 0
    for {
        res, err := g.routeProposal(ctx, eng, disp, p)
        if err == nil {
            obsmetrics.ProposalsTotal.WithLabelValues("ok").Inc()
            return res, nil
        }
        var app *consensus.ApplicationError
        if errors.As(err, &app) {
            obsmetrics.ProposalsTotal.WithLabelValues("application").Inc()
            obsmetrics.DroppedTotal.WithLabelValues("application").Inc()
            logutil.Warnf(g.opts.Logger, "gateway: op %s rejected: %v", p.Command.Op, app.Err)
            return nil, err
        }
        attempt++
        if g.opts.Retry.Exhausted(attempt) {
            obsmetrics.ProposalsTotal.WithLabelValues("exhausted").Inc()
            obsmetrics.DroppedTotal.WithLabelValues("exhausted").Inc()
            return nil, fmt.Errorf("gateway: giving up op %s after %d attempt(s): %w", p.Command.Op, attempt, err)
        }
        obsmetrics.RetriesTotal.Inc()
        logutil.Warnf(g.opts.Logger, "gateway: op %s attempt %d: %v, retrying", p.Command.Op, attempt, err)
        select {
        case <-time.After(g.opts.Retry.Backoff(attempt)):
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-g.done:
            return nil, ErrClosed
        }
    }
}

// routeProposal performs one routing attempt: leader-local apply, or one
// delivery to the resolved leader.
func (g *Gateway) routeProposal(ctx context.Context, eng consensus.Engine, disp transport.Dispatcher, p consensus.Proposal) (*consensus.ApplyResult, error) {
    if eng.IsLeader() {
        return eng.Propose(ctx, p)
    }
    leader, err := disp.CurrentLeader(ctx)
    if err != nil {
        return nil, err
    }
    if leader == g.opts.NodeID {
        // Leadership arrived between the two checks.
        return eng.Propose(ctx, p)
    }
    tgt, err := disp.Resolve(ctx, leader)
    if err != nil {
        return nil, err
    }
    env, err := transport.NewEnvelope(transport.MsgProposal, p)
    if err != nil {
        return nil, err
    }
    obsmetrics.ForwardsTotal.WithLabelValues(transport.MsgProposal).Inc()
    body, err := disp.Deliver(ctx, tgt, env)
    if err != nil {
        return nil, err
    }
    rep, err := transport.DecodeProposalReply(body)
    if err != nil {
        return nil, err
    }
    if err := rep.Err(); err != nil {
        return nil, err
    }
    return rep.Result(), nil
}

// runConfigChange drives one membership change with the same retry policy as
// client requests.
func (g *Gateway) runConfigChange(ctx context.Context, eng consensus.Engine, disp transport.Dispatcher, change ConfigChange) error {
    attempt := 0
    for {
        err := g.routeConfigChange(ctx, eng, disp, change)
        if err == nil {
            obsmetrics.ConfigChangesTotal.WithLabelValues("ok").Inc()
            return nil
        }
        attempt++
        if g.opts.Retry.Exhausted(attempt) {
            obsmetrics.ConfigChangesTotal.WithLabelValues("exhausted").Inc()
            return fmt.Errorf("gateway: config change gave up after %d attempt(s): %w", attempt, err)
        }
        obsmetrics.RetriesTotal.Inc()
        logutil.Warnf(g.opts.Logger, "gateway: config change attempt %d: %v, retrying", attempt, err)
        select {
        case <-time.After(g.opts.Retry.Backoff(attempt)):
        case <-ctx.Done():
            return ctx.Err()
        case <-g.done:
            return ErrClosed
        }
    }
}

func (g *Gateway) routeConfigChange(ctx context.Context, eng consensus.Engine, disp transport.Dispatcher, change ConfigChange) error {
    if eng.IsLeader() {
        return g.applyConfigChange(ctx, eng, disp, change)
    }
    leader, err := disp.CurrentLeader(ctx)
    if err != nil {
        return err
    }
    if leader == g.opts.NodeID {
        return g.applyConfigChange(ctx, eng, disp, change)
    }
    tgt, err := disp.Resolve(ctx, leader)
    if err != nil {
        return err
    }
    env, err := transport.NewEnvelope(transport.MsgConfigChange, change)
    if err != nil {
        return err
    }
    obsmetrics.ForwardsTotal.WithLabelValues(transport.MsgConfigChange).Inc()
    body, err := disp.Deliver(ctx, tgt, env)
    if err != nil {
        return err
    }
    rep, err := transport.DecodeProposalReply(body)
    if err != nil {
        return err
    }
    return rep.Err()
}

// applyConfigChange is the leader-side half: reconfigure the engine, then
// record each admitted node in the replicated log.
func (g *Gateway) applyConfigChange(ctx context.Context, eng consensus.Engine, disp transport.Dispatcher, change ConfigChange) error {
    if err := eng.ProposeMembershipChange(ctx, change.Add, change.Remove); err != nil {
        return err
    }
    for _, id := range change.Add {
        p := consensus.Proposal{Command: consensus.AddMember(id), Mode: consensus.ModeApplied}
        if _, err := g.runProposal(ctx, eng, disp, p); err != nil {
            return err
        }
    }
    return nil
}

// handleConfigEnvelope serves forwarded config changes. A node that lost
// leadership meanwhile replies with a forward status so the origin retries
// against the new leader; re-forwarding here could loop.
func (g *Gateway) handleConfigEnvelope(ctx context.Context, eng consensus.Engine, disp transport.Dispatcher, payload []byte) ([]byte, error) {
    var change ConfigChange
    if err := json.Unmarshal(payload, &change); err != nil {
        return nil, err
    }
    var err error
    if eng.IsLeader() {
        err = g.applyConfigChange(ctx, eng, disp, change)
        if err == nil {
            obsmetrics.ConfigChangesTotal.WithLabelValues("ok").Inc()
        }
    } else {
        id, _ := eng.Leader()
        err = &consensus.ForwardToLeaderError{Leader: id}
    }
    return json.Marshal(transport.NewProposalReply(nil, err))
}

func (g *Gateway) status(ctx context.Context, eng consensus.Engine, disp transport.Dispatcher) Status {
    st := Status{ID: g.opts.NodeID, IsLeader: eng.IsLeader()}
    if leader, err := disp.CurrentLeader(ctx); err == nil {
        st.Leader = leader
    }
    if mr, ok := eng.(consensus.MembershipReporter); ok {
        if ids, err := mr.MembershipSnapshot(); err == nil {
            st.Members = ids
        }
    }
    return st
}
