package gateway

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/registry"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// eventLog records cross-component ordering for assertions.
type eventLog struct {
    mu  sync.Mutex
    log []string
}

func (e *eventLog) add(format string, args ...any) {
    e.mu.Lock()
    e.log = append(e.log, fmt.Sprintf(format, args...))
    e.mu.Unlock()
}

func (e *eventLog) snapshot() []string {
    e.mu.Lock()
    defer e.mu.Unlock()
    return append([]string(nil), e.log...)
}

type fakeEngine struct {
    mu         sync.Mutex
    leader     bool
    leaderID   consensus.NodeID
    proposeErr []error // popped per Propose call; nil entry means success
    configErr  []error
    proposals  []consensus.Proposal
    inits      [][]consensus.NodeID
    events     *eventLog
    handlers   map[string]registry.Handler
}

func (f *fakeEngine) Propose(ctx context.Context, p consensus.Proposal) (*consensus.ApplyResult, error) {
    f.mu.Lock()
    f.proposals = append(f.proposals, p)
    var err error
    if len(f.proposeErr) > 0 {
        err = f.proposeErr[0]
        f.proposeErr = f.proposeErr[1:]
    }
    f.mu.Unlock()
    if f.events != nil {
        f.events.add("propose:%s:%s", p.Command.Op, p.Command.Node)
    }
    if err != nil {
        return nil, err
    }
    return &consensus.ApplyResult{Index: 1}, nil
}

func (f *fakeEngine) ProposeMembershipChange(ctx context.Context, add, remove []consensus.NodeID) error {
    f.mu.Lock()
    var err error
    if len(f.configErr) > 0 {
        err = f.configErr[0]
        f.configErr = f.configErr[1:]
    }
    f.mu.Unlock()
    if f.events != nil {
        for _, id := range add {
            f.events.add("config:add:%s", id)
        }
        for _, id := range remove {
            f.events.add("config:remove:%s", id)
        }
    }
    return err
}

func (f *fakeEngine) InitializeMembership(ctx context.Context, members []consensus.NodeID) error {
    f.mu.Lock()
    f.inits = append(f.inits, append([]consensus.NodeID(nil), members...))
    f.mu.Unlock()
    if f.events != nil {
        f.events.add("bootstrap:%d", len(members))
    }
    return nil
}

func (f *fakeEngine) IsLeader() bool {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.leader
}

func (f *fakeEngine) Leader() (consensus.NodeID, bool) {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.leaderID, f.leaderID != ""
}

func (f *fakeEngine) Stop() error { return nil }

func (f *fakeEngine) WireHandlers() map[string]registry.Handler {
    if f.handlers == nil {
        return map[string]registry.Handler{}
    }
    return f.handlers
}

func (f *fakeEngine) proposalCount() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.proposals)
}

func (f *fakeEngine) initCount() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.inits)
}

type fakeDispatcher struct {
    mu         sync.Mutex
    leader     consensus.NodeID
    deliveries []transport.Envelope
    replies    [][]byte // popped per Deliver call
    deliverErr []error
}

func (d *fakeDispatcher) CurrentLeader(ctx context.Context) (consensus.NodeID, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.leader == "" {
        return "", transport.ErrUnknownLeader
    }
    return d.leader, nil
}

func (d *fakeDispatcher) Resolve(ctx context.Context, id consensus.NodeID) (transport.RemoteTarget, error) {
    return transport.RemoteTarget{ID: id, Addr: string(id) + ":1"}, nil
}

func (d *fakeDispatcher) Deliver(ctx context.Context, target transport.RemoteTarget, env transport.Envelope) ([]byte, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    d.deliveries = append(d.deliveries, env)
    if len(d.deliverErr) > 0 {
        err := d.deliverErr[0]
        d.deliverErr = d.deliverErr[1:]
        if err != nil {
            return nil, err
        }
    }
    if len(d.replies) > 0 {
        rep := d.replies[0]
        d.replies = d.replies[1:]
        return rep, nil
    }
    rep, _ := json.Marshal(transport.ProposalReply{Status: transport.StatusOK, Index: 1})
    return rep, nil
}

func (d *fakeDispatcher) setLeader(id consensus.NodeID) {
    d.mu.Lock()
    d.leader = id
    d.mu.Unlock()
}

func (d *fakeDispatcher) deliveryCount() int {
    d.mu.Lock()
    defer d.mu.Unlock()
    return len(d.deliveries)
}

func (d *fakeDispatcher) delivery(i int) transport.Envelope {
    d.mu.Lock()
    defer d.mu.Unlock()
    return d.deliveries[i]
}

func mustReply(t *testing.T, rep transport.ProposalReply) []byte {
    t.Helper()
    b, err := json.Marshal(rep)
    if err != nil {
        t.Fatalf("marshal reply: %v", err)
    }
    return b
}

func newTestGateway(t *testing.T, eng *fakeEngine, opts Options) *Gateway {
    t.Helper()
    if opts.NodeID == "" {
        opts.NodeID = "n1"
    }
    if opts.Registry == nil {
        opts.Registry = registry.New()
    }
    if opts.NewEngine == nil {
        opts.NewEngine = func(ctx context.Context, d transport.Dispatcher) (consensus.Engine, error) {
            return eng, nil
        }
    }
    if opts.Retry.BaseBackoff == 0 {
        opts.Retry.BaseBackoff = time.Millisecond
    }
    if opts.SettleDelay == 0 {
        opts.SettleDelay = 5 * time.Millisecond
    }
    if opts.RegisterDelay == 0 {
        opts.RegisterDelay = 5 * time.Millisecond
    }
    g, err := New(opts)
    if err != nil {
        t.Fatalf("New: %v", err)
    }
    t.Cleanup(func() { _ = g.Stop() })
    return g
}

func initJoined(t *testing.T, g *Gateway, d transport.Dispatcher) {
    t.Helper()
    if err := g.Init(context.Background(), InitCommand{Dispatcher: d, JoinMode: true}); err != nil {
        t.Fatalf("Init: %v", err)
    }
}

func TestSecondInitRejected(t *testing.T) {
    eng := &fakeEngine{}
    disp := &fakeDispatcher{}
    g := newTestGateway(t, eng, Options{})
    initJoined(t, g, disp)

    err := g.Init(context.Background(), InitCommand{Dispatcher: disp, JoinMode: true})
    if !errors.Is(err, ErrAlreadyInitialized) {
        t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
    }
}

func TestSubmitBeforeInit(t *testing.T) {
    g := newTestGateway(t, &fakeEngine{}, Options{})
    _, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set"})
    if !errors.Is(err, ErrNotInitialized) {
        t.Fatalf("expected ErrNotInitialized, got %v", err)
    }
}

func TestLeaderLocalSubmit(t *testing.T) {
    eng := &fakeEngine{leader: true, leaderID: "n1"}
    disp := &fakeDispatcher{leader: "n1"}
    g := newTestGateway(t, eng, Options{})
    initJoined(t, g, disp)

    res, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set", Data: []byte("v")})
    if err != nil {
        t.Fatalf("SubmitWait: %v", err)
    }
    if res == nil || res.Index != 1 {
        t.Fatalf("unexpected result: %+v", res)
    }
    if got := eng.proposalCount(); got != 1 {
        t.Fatalf("expected 1 engine proposal, got %d", got)
    }
    if got := disp.deliveryCount(); got != 0 {
        t.Fatalf("leader-local request must not touch the wire, got %d deliveries", got)
    }
}

func TestNonLeaderForwardsToLeader(t *testing.T) {
    eng := &fakeEngine{leader: false, leaderID: "n2"}
    disp := &fakeDispatcher{leader: "n2"}
    g := newTestGateway(t, eng, Options{})
    initJoined(t, g, disp)

    if _, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set"}); err != nil {
        t.Fatalf("SubmitWait: %v", err)
    }
    if got := eng.proposalCount(); got != 0 {
        t.Fatalf("non-leader must not apply locally, got %d proposals", got)
    }
    if got := disp.deliveryCount(); got != 1 {
        t.Fatalf("expected exactly 1 delivery, got %d", got)
    }
    if env := disp.delivery(0); env.Type != transport.MsgProposal {
        t.Fatalf("expected %s envelope, got %s", transport.MsgProposal, env.Type)
    }
}

func TestRetriesUntilLeaderKnown(t *testing.T) {
    eng := &fakeEngine{}
    disp := &fakeDispatcher{} // leader unknown initially
    g := newTestGateway(t, eng, Options{Retry: RetryPolicy{MaxAttempts: 50, BaseBackoff: time.Millisecond}})
    initJoined(t, g, disp)

    go func() {
        time.Sleep(10 * time.Millisecond)
        disp.setLeader("n2")
    }()
    if _, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set"}); err != nil {
        t.Fatalf("SubmitWait should succeed once a leader appears: %v", err)
    }
    if got := disp.deliveryCount(); got != 1 {
        t.Fatalf("expected 1 delivery after leader discovery, got %d", got)
    }
}

func TestBoundedRetryGivesUp(t *testing.T) {
    eng := &fakeEngine{}
    disp := &fakeDispatcher{} // leader never known
    g := newTestGateway(t, eng, Options{Retry: RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond}})
    initJoined(t, g, disp)

    _, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set"})
    if err == nil {
        t.Fatal("expected error after exhausting attempts")
    }
    if !errors.Is(err, transport.ErrUnknownLeader) {
        t.Fatalf("expected wrapped ErrUnknownLeader, got %v", err)
    }
    if got := disp.deliveryCount(); got != 0 {
        t.Fatalf("nothing should have been delivered, got %d", got)
    }
}

func TestApplicationErrorNotRetried(t *testing.T) {
    eng := &fakeEngine{
        leader:     true,
        leaderID:   "n1",
        proposeErr: []error{&consensus.ApplicationError{Err: errors.New("bad key")}},
    }
    disp := &fakeDispatcher{leader: "n1"}
    g := newTestGateway(t, eng, Options{Retry: RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond}})
    initJoined(t, g, disp)

    _, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set"})
    var app *consensus.ApplicationError
    if !errors.As(err, &app) {
        t.Fatalf("expected ApplicationError, got %v", err)
    }
    if got := eng.proposalCount(); got != 1 {
        t.Fatalf("application rejection must not be retried, got %d attempts", got)
    }
}

func TestForwardReplyTriggersRetry(t *testing.T) {
    eng := &fakeEngine{}
    disp := &fakeDispatcher{leader: "n2"}
    disp.replies = [][]byte{
        mustReply(t, transport.ProposalReply{Status: transport.StatusForward, Leader: "n3"}),
        mustReply(t, transport.ProposalReply{Status: transport.StatusOK, Index: 7}),
    }
    g := newTestGateway(t, eng, Options{Retry: RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond}})
    initJoined(t, g, disp)

    res, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set"})
    if err != nil {
        t.Fatalf("SubmitWait: %v", err)
    }
    if res.Index != 7 {
        t.Fatalf("expected index 7, got %d", res.Index)
    }
    if got := disp.deliveryCount(); got != 2 {
        t.Fatalf("expected 2 deliveries (forward then ok), got %d", got)
    }
}

func TestDeliveryFailureRetried(t *testing.T) {
    eng := &fakeEngine{}
    disp := &fakeDispatcher{leader: "n2"}
    disp.deliverErr = []error{errors.New("connection refused"), nil}
    g := newTestGateway(t, eng, Options{Retry: RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond}})
    initJoined(t, g, disp)

    if _, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set"}); err != nil {
        t.Fatalf("SubmitWait: %v", err)
    }
    if got := disp.deliveryCount(); got != 2 {
        t.Fatalf("expected 2 delivery attempts, got %d", got)
    }
}

func TestConfigChangeLeaderLocal(t *testing.T) {
    ev := &eventLog{}
    eng := &fakeEngine{leader: true, leaderID: "n1", events: ev}
    disp := &fakeDispatcher{leader: "n1"}
    g := newTestGateway(t, eng, Options{})
    initJoined(t, g, disp)

    if err := g.AddNode(context.Background(), "n2"); err != nil {
        t.Fatalf("AddNode: %v", err)
    }
    log := ev.snapshot()
    if len(log) != 2 || log[0] != "config:add:n2" || log[1] != "propose:AddMember:n2" {
        t.Fatalf("unexpected sequence: %v", log)
    }
    if got := disp.deliveryCount(); got != 0 {
        t.Fatalf("leader-local config change must not touch the wire, got %d", got)
    }
}

func TestConfigChangeForwarded(t *testing.T) {
    eng := &fakeEngine{leader: false, leaderID: "n2"}
    disp := &fakeDispatcher{leader: "n2"}
    g := newTestGateway(t, eng, Options{})
    initJoined(t, g, disp)

    if err := g.AddNode(context.Background(), "n3"); err != nil {
        t.Fatalf("AddNode: %v", err)
    }
    if got := disp.deliveryCount(); got != 1 {
        t.Fatalf("expected exactly 1 forwarded envelope, got %d", got)
    }
    env := disp.delivery(0)
    if env.Type != transport.MsgConfigChange {
        t.Fatalf("expected %s envelope, got %s", transport.MsgConfigChange, env.Type)
    }
    var ch ConfigChange
    if err := json.Unmarshal(env.Payload, &ch); err != nil {
        t.Fatalf("payload: %v", err)
    }
    if len(ch.Add) != 1 || ch.Add[0] != "n3" {
        t.Fatalf("unexpected change payload: %+v", ch)
    }
}

func TestRemoveNodeLogsBeforeConfigChange(t *testing.T) {
    ev := &eventLog{}
    eng := &fakeEngine{leader: true, leaderID: "n1", events: ev}
    disp := &fakeDispatcher{leader: "n1"}
    g := newTestGateway(t, eng, Options{})
    initJoined(t, g, disp)

    if err := g.RemoveNode(context.Background(), "n3"); err != nil {
        t.Fatalf("RemoveNode: %v", err)
    }
    log := ev.snapshot()
    if len(log) != 2 || log[0] != "propose:RemoveMember:n3" || log[1] != "config:remove:n3" {
        t.Fatalf("removal must be logged before the member set shrinks, got %v", log)
    }
}

func TestFoundingBootstrapSequence(t *testing.T) {
    ev := &eventLog{}
    eng := &fakeEngine{leader: true, leaderID: "n1", events: ev}
    disp := &fakeDispatcher{leader: "n1"}
    g := newTestGateway(t, eng, Options{
        SettleDelay:   5 * time.Millisecond,
        RegisterDelay: 5 * time.Millisecond,
    })
    cmd := InitCommand{
        Members:    []consensus.NodeID{"n1", "n2"},
        Dispatcher: disp,
    }
    if err := g.Init(context.Background(), cmd); err != nil {
        t.Fatalf("Init: %v", err)
    }

    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if eng.initCount() > 0 && eng.proposalCount() > 0 {
            break
        }
        time.Sleep(2 * time.Millisecond)
    }
    log := ev.snapshot()
    if len(log) < 2 || log[0] != "bootstrap:2" || log[1] != "propose:AddMember:n1" {
        t.Fatalf("unexpected founding sequence: %v", log)
    }
    eng.mu.Lock()
    members := eng.inits[0]
    eng.mu.Unlock()
    if len(members) != 2 || members[0] != "n1" || members[1] != "n2" {
        t.Fatalf("bootstrap membership mismatch: %v", members)
    }
}

// Internal membership records go through the same client path as external
// requests and must wait for the state machine to apply them.
func TestMembershipRecordsWaitForApply(t *testing.T) {
    eng := &fakeEngine{leader: true, leaderID: "n1"}
    disp := &fakeDispatcher{leader: "n1"}
    g := newTestGateway(t, eng, Options{
        SettleDelay:   time.Millisecond,
        RegisterDelay: time.Millisecond,
    })
    if err := g.Init(context.Background(), InitCommand{Dispatcher: disp}); err != nil {
        t.Fatalf("Init: %v", err)
    }

    deadline := time.Now().Add(2 * time.Second)
    for eng.proposalCount() == 0 && time.Now().Before(deadline) {
        time.Sleep(2 * time.Millisecond)
    }
    if err := g.AddNode(context.Background(), "n2"); err != nil {
        t.Fatalf("AddNode: %v", err)
    }

    eng.mu.Lock()
    proposals := append([]consensus.Proposal(nil), eng.proposals...)
    eng.mu.Unlock()
    if len(proposals) < 2 {
        t.Fatalf("expected self-registration and add-member records, got %d", len(proposals))
    }
    for _, p := range proposals {
        if p.Mode != consensus.ModeApplied {
            t.Fatalf("record %s:%s submitted with mode %v, want ModeApplied", p.Command.Op, p.Command.Node, p.Mode)
        }
    }
}

func TestJoinModeSkipsBootstrap(t *testing.T) {
    eng := &fakeEngine{}
    disp := &fakeDispatcher{}
    g := newTestGateway(t, eng, Options{
        SettleDelay:   time.Millisecond,
        RegisterDelay: time.Millisecond,
    })
    initJoined(t, g, disp)

    time.Sleep(30 * time.Millisecond)
    if got := eng.initCount(); got != 0 {
        t.Fatalf("join mode must not bootstrap, got %d init calls", got)
    }
}

func TestInitRegistersHandlers(t *testing.T) {
    engineHandler := registry.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
        return []byte("pong"), nil
    })
    eng := &fakeEngine{handlers: map[string]registry.Handler{transport.MsgAppendEntries: engineHandler}}
    disp := &fakeDispatcher{}
    reg := registry.New()
    g := newTestGateway(t, eng, Options{Registry: reg})
    initJoined(t, g, disp)

    for _, typ := range []string{transport.MsgAppendEntries, transport.MsgConfigChange, transport.MsgStatus} {
        if _, ok := reg.Handler(typ); !ok {
            t.Fatalf("no handler registered for %s", typ)
        }
    }
}

func TestForwardedConfigChangeOnFollowerRepliesForward(t *testing.T) {
    eng := &fakeEngine{leader: false, leaderID: "n9"}
    disp := &fakeDispatcher{leader: "n9"}
    reg := registry.New()
    g := newTestGateway(t, eng, Options{Registry: reg})
    initJoined(t, g, disp)

    payload, _ := json.Marshal(ConfigChange{Add: []consensus.NodeID{"n4"}})
    body, err := reg.Dispatch(context.Background(), transport.MsgConfigChange, payload)
    if err != nil {
        t.Fatalf("Dispatch: %v", err)
    }
    rep, err := transport.DecodeProposalReply(body)
    if err != nil {
        t.Fatalf("decode: %v", err)
    }
    if rep.Status != transport.StatusForward || rep.Leader != "n9" {
        t.Fatalf("expected forward reply naming n9, got %+v", rep)
    }
}

func TestStatusReportsLeaderAndIdentity(t *testing.T) {
    eng := &fakeEngine{leader: false, leaderID: "n2"}
    disp := &fakeDispatcher{leader: "n2"}
    g := newTestGateway(t, eng, Options{NodeID: "n1"})
    initJoined(t, g, disp)

    st, err := g.Status(context.Background())
    if err != nil {
        t.Fatalf("Status: %v", err)
    }
    if st.ID != "n1" || st.Leader != "n2" || st.IsLeader {
        t.Fatalf("unexpected status: %+v", st)
    }
    leader, err := g.Leader(context.Background())
    if err != nil || leader != "n2" {
        t.Fatalf("Leader = %v, %v", leader, err)
    }
}

func TestStopRejectsFurtherRequests(t *testing.T) {
    eng := &fakeEngine{leader: true, leaderID: "n1"}
    disp := &fakeDispatcher{leader: "n1"}
    g := newTestGateway(t, eng, Options{})
    initJoined(t, g, disp)

    if err := g.Stop(); err != nil {
        t.Fatalf("Stop: %v", err)
    }
    if _, err := g.SubmitWait(context.Background(), consensus.Command{Op: "set"}); !errors.Is(err, ErrClosed) {
        t.Fatalf("expected ErrClosed, got %v", err)
    }
    // Second Stop is a no-op.
    if err := g.Stop(); err != nil {
        t.Fatalf("second Stop: %v", err)
    }
}
