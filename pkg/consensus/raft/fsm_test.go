package raftcons

import (
    "encoding/json"
    "io"
    "strings"
    "testing"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/ring"
    "github.com/amirimatin/go-raftgate/pkg/state"
)

type echoApp struct {
    ops []string
}

func (a *echoApp) Apply(op string, data []byte) ([]byte, error) {
    a.ops = append(a.ops, op)
    return append([]byte("applied:"), data...), nil
}

func applyCmd(t *testing.T, f *commandFSM, cmd consensus.Command) interface{} {
    t.Helper()
    data, err := json.Marshal(cmd)
    if err != nil {
        t.Fatalf("marshal: %v", err)
    }
    return f.Apply(&raft.Log{Data: data})
}

func TestMembershipCommandsUpdateStoreAndRing(t *testing.T) {
    st := state.New()
    r := ring.New(8)
    f := newCommandFSM(st, r, nil)

    if out := applyCmd(t, f, consensus.AddMember("a")); out != nil {
        t.Fatalf("add returned %v", out)
    }
    if out := applyCmd(t, f, consensus.AddMember("b")); out != nil {
        t.Fatalf("add returned %v", out)
    }
    if !st.Contains("a") || !st.Contains("b") {
        t.Fatal("store missing members")
    }
    if r.Len() != 2 {
        t.Fatalf("ring has %d members", r.Len())
    }

    if out := applyCmd(t, f, consensus.RemoveMember("a")); out != nil {
        t.Fatalf("remove returned %v", out)
    }
    if st.Contains("a") || r.Len() != 1 {
        t.Fatal("removal not reflected in store and ring")
    }
}

func TestApplicationCommandsDelegated(t *testing.T) {
    app := &echoApp{}
    f := newCommandFSM(state.New(), nil, app)

    out := applyCmd(t, f, consensus.Command{Op: "set", Data: []byte("v")})
    b, ok := out.([]byte)
    if !ok || string(b) != "applied:v" {
        t.Fatalf("unexpected response: %v", out)
    }
    if len(app.ops) != 1 || app.ops[0] != "set" {
        t.Fatalf("app saw %v", app.ops)
    }
}

func TestApplicationCommandWithoutAppIsIgnored(t *testing.T) {
    f := newCommandFSM(state.New(), nil, nil)
    if out := applyCmd(t, f, consensus.Command{Op: "set"}); out != nil {
        t.Fatalf("expected nil response, got %v", out)
    }
}

func TestMalformedCommandReturnsError(t *testing.T) {
    f := newCommandFSM(state.New(), nil, nil)
    out := f.Apply(&raft.Log{Data: []byte("{nope")})
    if _, ok := out.(error); !ok {
        t.Fatalf("expected error response, got %v", out)
    }
}

func TestSnapshotRestoreSyncsRing(t *testing.T) {
    st := state.New()
    r := ring.New(8)
    f := newCommandFSM(st, r, nil)
    applyCmd(t, f, consensus.AddMember("a"))
    applyCmd(t, f, consensus.AddMember("b"))

    snap, err := f.Snapshot()
    if err != nil {
        t.Fatalf("snapshot: %v", err)
    }
    sink := &memSink{}
    if err := snap.Persist(sink); err != nil {
        t.Fatalf("persist: %v", err)
    }

    // Restore into a diverged FSM: ring has a stale member.
    st2 := state.New()
    r2 := ring.New(8)
    f2 := newCommandFSM(st2, r2, nil)
    applyCmd(t, f2, consensus.AddMember("stale"))

    if err := f2.Restore(io.NopCloser(strings.NewReader(sink.buf.String()))); err != nil {
        t.Fatalf("restore: %v", err)
    }
    members := st2.Members()
    if len(members) != 2 || members[0] != "a" || members[1] != "b" {
        t.Fatalf("unexpected members: %v", members)
    }
    ringMembers := r2.Members()
    if len(ringMembers) != 2 || ringMembers[0] != "a" || ringMembers[1] != "b" {
        t.Fatalf("ring not reconciled: %v", ringMembers)
    }
}

type memSink struct {
    buf strings.Builder
}

func (s *memSink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memSink) Close() error                { return nil }
func (s *memSink) Cancel() error               { return nil }
func (s *memSink) ID() string                  { return "mem" }
