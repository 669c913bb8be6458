package gateway

import (
    "context"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// InitCommand carries everything the gateway needs to come alive: the founding
// member list, the network dispatcher, an optional delivery endpoint whose
// lifecycle the gateway then owns, and the join flag.
type InitCommand struct {
    // Members is the founding membership. Ignored when JoinMode is set; the
    // effective membership of a joining node is just itself until the leader
    // admits it.
    Members []consensus.NodeID

    // Dispatcher routes leader queries, address resolution and deliveries.
    Dispatcher transport.Dispatcher

    // Server, when non-nil, is started at Init with the registry dispatch
    // function and stopped together with the gateway.
    Server transport.Server

    // JoinMode skips cluster bootstrap; the node waits to be added by the
    // current leader via a membership change.
    JoinMode bool
}

// ConfigChange is the wire form of a membership change request.
type ConfigChange struct {
    Add    []consensus.NodeID `json:"add,omitempty"`
    Remove []consensus.NodeID `json:"remove,omitempty"`
}

// Status is the reply to a status query, local or over the wire.
type Status struct {
    ID       consensus.NodeID   `json:"id"`
    Leader   consensus.NodeID   `json:"leader,omitempty"`
    IsLeader bool               `json:"is_leader"`
    Members  []consensus.NodeID `json:"members,omitempty"`
}

// internal inbox messages

type submitResult struct {
    res *consensus.ApplyResult
    err error
}

type initMsg struct {
    cmd   InitCommand
    ctx   context.Context
    reply chan error
}

type submitMsg struct {
    ctx   context.Context
    prop  consensus.Proposal
    reply chan submitResult
}

type configMsg struct {
    ctx    context.Context
    change ConfigChange
    reply  chan error
}

type statusMsg struct {
    ctx   context.Context
    reply chan statusReply
}

type stopMsg struct {
    reply chan error
}
