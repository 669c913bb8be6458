package raftcons

import (
    "encoding/json"
    "io"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/ring"
    "github.com/amirimatin/go-raftgate/pkg/state"
)

// commandFSM applies replicated commands: the two reserved membership ops go
// into the state store (and the hash ring, when present); everything else is
// delegated to the application state machine.
type commandFSM struct {
    store *state.Store
    ring  *ring.Ring
    app   consensus.StateMachine
}

func newCommandFSM(store *state.Store, r *ring.Ring, app consensus.StateMachine) *commandFSM {
    return &commandFSM{store: store, ring: r, app: app}
}

func (f *commandFSM) Apply(l *raft.Log) interface{} {
    var cmd consensus.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    switch cmd.Op {
    case consensus.OpAddMember:
        if err := f.store.ApplyAddMember(cmd.Node); err != nil {
            return err
        }
        if f.ring != nil {
            f.ring.Add(cmd.Node)
        }
        return nil
    case consensus.OpRemoveMember:
        if err := f.store.ApplyRemoveMember(cmd.Node); err != nil {
            return err
        }
        if f.ring != nil {
            f.ring.Remove(cmd.Node)
        }
        return nil
    default:
        if f.app == nil {
            return nil
        }
        out, err := f.app.Apply(cmd.Op, cmd.Data)
        if err != nil {
            return err
        }
        return out
    }
}

func (f *commandFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.store.Snapshot()
    if err != nil {
        return nil, err
    }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *commandFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil {
        return err
    }
    if err := f.store.Restore(data); err != nil {
        return err
    }
    f.syncRing()
    return nil
}

// syncRing reconciles the ring with the restored member set.
func (f *commandFSM) syncRing() {
    if f.ring == nil {
        return
    }
    for _, id := range f.ring.Members() {
        if !f.store.Contains(id) {
            f.ring.Remove(id)
        }
    }
    for _, id := range f.store.Members() {
        f.ring.Add(id)
    }
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil {
        _ = sink.Cancel()
        return err
    }
    return sink.Close()
}

func (s *snapshot) Release() {}

// Ensure compile-time interface compliance.
var _ raft.FSM = (*commandFSM)(nil)
