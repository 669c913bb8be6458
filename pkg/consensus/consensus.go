package consensus

import (
    "context"

    "github.com/amirimatin/go-raftgate/pkg/registry"
)

// NodeID uniquely identifies a cluster member. IDs are opaque, comparable and
// orderable; they double as routing keys on the wire.
type NodeID string

// Reserved command ops. Membership mutations travel through the replicated
// log like any other command so that membership history stays auditable.
const (
    OpAddMember    = "AddMember"
    OpRemoveMember = "RemoveMember"
)

// Command is the unit stored in the replicated log: either one of the two
// reserved membership mutations carrying a NodeID, or an opaque application
// mutation identified by Op with an arbitrary payload.
type Command struct {
    Op   string `json:"op"`
    Node NodeID `json:"node,omitempty"`
    Data []byte `json:"data,omitempty"`
}

// AddMember builds the reserved command recording id as a member.
func AddMember(id NodeID) Command { return Command{Op: OpAddMember, Node: id} }

// RemoveMember builds the reserved command recording the removal of id.
func RemoveMember(id NodeID) Command { return Command{Op: OpRemoveMember, Node: id} }

// ResponseMode selects how long a proposal waits before reporting success.
type ResponseMode int

const (
    // ModeCommitted resolves once the entry is durably committed by a quorum.
    ModeCommitted ResponseMode = iota
    // ModeApplied resolves once the entry has been applied to the state machine.
    ModeApplied
    // ModeFireAndForget resolves immediately; the outcome is not reported.
    ModeFireAndForget
)

// Proposal wraps a command with its response mode. Proposals are ephemeral;
// they are created per request and never persisted by this layer.
type Proposal struct {
    Command Command      `json:"command"`
    Mode    ResponseMode `json:"mode"`
}

// ApplyResult carries the outcome of an applied proposal.
type ApplyResult struct {
    Index uint64 `json:"index"`
    Data  []byte `json:"data,omitempty"`
}

// StateMachine handles application commands the engine applies outside the
// reserved membership ops. It is the hook through which the owning server
// process observes the replicated log.
type StateMachine interface {
    Apply(op string, data []byte) ([]byte, error)
}

// Engine is the minimal abstraction over a leader-based consensus engine.
// Propose and ProposeMembershipChange return a *ForwardToLeaderError when the
// local node is not the leader; see errors.go for the full taxonomy.
type Engine interface {
    Propose(ctx context.Context, p Proposal) (*ApplyResult, error)
    ProposeMembershipChange(ctx context.Context, add, remove []NodeID) error
    InitializeMembership(ctx context.Context, members []NodeID) error
    IsLeader() bool
    Leader() (NodeID, bool)
    Stop() error
}

// WireHandlerProvider is implemented by engines whose wire messages (log
// replication, votes, snapshots, proposals) are dispatched through the shared
// handler registry rather than a private transport.
type WireHandlerProvider interface {
    WireHandlers() map[string]registry.Handler
}

// MembershipReporter optionally exposes the engine's current membership set.
type MembershipReporter interface {
    MembershipSnapshot() ([]NodeID, error)
}
