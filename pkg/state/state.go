package state

import (
    "encoding/json"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
)

// MemberEvent is one membership mutation as recorded in the replicated log.
type MemberEvent struct {
    Op   string           `json:"op"`
    Node consensus.NodeID `json:"node"`
    At   time.Time        `json:"at"`
}

// Store is the in-memory view of the replicated membership log: the current
// member set plus the full mutation history. Every member, founding or
// joined, enters through the same AddMember log path, so the history is a
// complete audit trail.
type Store struct {
    mu      sync.RWMutex
    members map[consensus.NodeID]struct{}
    history []MemberEvent
    onApply func(MemberEvent)
}

func New() *Store { return &Store{members: make(map[consensus.NodeID]struct{})} }

// SetObserver installs a callback invoked after every membership apply.
// It must be set before the store is wired into an engine.
func (s *Store) SetObserver(fn func(MemberEvent)) { s.onApply = fn }

func (s *Store) ApplyAddMember(id consensus.NodeID) error {
    if id == "" {
        return fmt.Errorf("state: empty node id")
    }
    ev := MemberEvent{Op: consensus.OpAddMember, Node: id, At: time.Now().UTC()}
    s.mu.Lock()
    s.members[id] = struct{}{}
    s.history = append(s.history, ev)
    s.mu.Unlock()
    if s.onApply != nil {
        s.onApply(ev)
    }
    return nil
}

func (s *Store) ApplyRemoveMember(id consensus.NodeID) error {
    if id == "" {
        return fmt.Errorf("state: empty node id")
    }
    ev := MemberEvent{Op: consensus.OpRemoveMember, Node: id, At: time.Now().UTC()}
    s.mu.Lock()
    delete(s.members, id)
    s.history = append(s.history, ev)
    s.mu.Unlock()
    if s.onApply != nil {
        s.onApply(ev)
    }
    return nil
}

// Members returns the current member set in stable order.
func (s *Store) Members() []consensus.NodeID {
    s.mu.RLock()
    out := make([]consensus.NodeID, 0, len(s.members))
    for id := range s.members {
        out = append(out, id)
    }
    s.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

// Contains reports whether id is currently a member.
func (s *Store) Contains(id consensus.NodeID) bool {
    s.mu.RLock()
    _, ok := s.members[id]
    s.mu.RUnlock()
    return ok
}

// History returns a copy of the recorded membership mutations in apply order.
func (s *Store) History() []MemberEvent {
    s.mu.RLock()
    out := append([]MemberEvent(nil), s.history...)
    s.mu.RUnlock()
    return out
}

// Snapshot encodes the store as stable JSON for snapshot transfer.
func (s *Store) Snapshot() ([]byte, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    members := make([]consensus.NodeID, 0, len(s.members))
    for id := range s.members {
        members = append(members, id)
    }
    sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
    return json.Marshal(struct {
        Version int                `json:"version"`
        Members []consensus.NodeID `json:"members"`
        History []MemberEvent      `json:"history"`
    }{Version: 1, Members: members, History: s.history})
}

// Restore replaces the store contents from a snapshot produced by Snapshot.
func (s *Store) Restore(buf []byte) error {
    var snapshot struct {
        Version int                `json:"version"`
        Members []consensus.NodeID `json:"members"`
        History []MemberEvent      `json:"history"`
    }
    if err := json.Unmarshal(buf, &snapshot); err != nil {
        return err
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.members = make(map[consensus.NodeID]struct{}, len(snapshot.Members))
    for _, id := range snapshot.Members {
        if id == "" {
            continue
        }
        s.members[id] = struct{}{}
    }
    s.history = snapshot.History
    return nil
}
