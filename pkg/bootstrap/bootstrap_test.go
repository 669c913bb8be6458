package bootstrap

import (
    "bytes"
    "log"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/membership"
)

type lockedBuffer struct {
    mu  sync.Mutex
    buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
    b.mu.Lock()
    defer b.mu.Unlock()
    return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
    b.mu.Lock()
    defer b.mu.Unlock()
    return b.buf.String()
}

func TestBuildValidatesConfig(t *testing.T) {
    cases := []struct {
        name string
        cfg  Config
    }{
        {"missing id", Config{RPCAddr: ":0", MemBind: ":0"}},
        {"missing rpc addr", Config{NodeID: "n1", MemBind: ":0"}},
        {"missing mem bind", Config{NodeID: "n1", RPCAddr: ":0"}},
    }
    for _, c := range cases {
        if _, err := Build(c.cfg); err == nil {
            t.Fatalf("%s: expected error", c.name)
        }
    }
}

func TestBuildAssemblesNode(t *testing.T) {
    n, err := Build(Config{
        NodeID:  "n1",
        RPCAddr: "127.0.0.1:0",
        MemBind: "127.0.0.1:0",
    })
    if err != nil {
        t.Fatalf("Build: %v", err)
    }
    defer n.gw.Stop()

    if n.Gateway() == nil || n.Membership() == nil || n.Store() == nil || n.Ring() == nil {
        t.Fatal("node is missing components")
    }
    if n.Ring().Len() != 0 {
        t.Fatalf("ring should start empty, has %d", n.Ring().Len())
    }
}

func TestWatchEventsLogsTransitions(t *testing.T) {
    var out lockedBuffer
    n, err := Build(Config{
        NodeID:  "n1",
        RPCAddr: "127.0.0.1:0",
        MemBind: "127.0.0.1:0",
        Logger:  log.New(&out, "", 0),
    })
    if err != nil {
        t.Fatalf("Build: %v", err)
    }
    defer n.gw.Stop()

    events := make(chan membership.Event, 2)
    go n.watchEvents(events)
    defer n.evOnce.Do(func() { close(n.evStop) })

    events <- membership.Event{Type: membership.EventJoin, Member: membership.MemberInfo{ID: "n2", Addr: "10.0.0.2:7946"}}
    events <- membership.Event{Type: membership.EventFailed, Member: membership.MemberInfo{ID: "n3"}}

    deadline := time.Now().Add(time.Second)
    for {
        s := out.String()
        if strings.Contains(s, "member n2 joined") && strings.Contains(s, "member n3 marked failed") {
            break
        }
        if time.Now().After(deadline) {
            t.Fatalf("membership transitions not logged, got:\n%s", s)
        }
        time.Sleep(2 * time.Millisecond)
    }
}

func TestBuildGRPCProto(t *testing.T) {
    n, err := Build(Config{
        NodeID:  "n1",
        RPCAddr: "127.0.0.1:0",
        MemBind: "127.0.0.1:0",
        Proto:   "grpc",
    })
    if err != nil {
        t.Fatalf("Build: %v", err)
    }
    defer n.gw.Stop()
}
