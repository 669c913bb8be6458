package transport

import (
    "context"
    "encoding/json"
    "errors"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
)

// Wire message type tags. Consensus control traffic, client proposals and
// config changes all travel as tagged envelopes dispatched through the shared
// handler registry on the receiving node.
const (
    MsgAppendEntries   = "raft.append_entries"
    MsgVote            = "raft.vote"
    MsgPreVote         = "raft.pre_vote"
    MsgInstallSnapshot = "raft.install_snapshot"
    MsgTimeoutNow      = "raft.timeout_now"
    MsgProposal        = "client.proposal"
    MsgConfigChange    = "cluster.config_change"
    MsgStatus          = "cluster.status"
)

var (
    // ErrUnknownLeader is returned when no leader is currently believed.
    ErrUnknownLeader = errors.New("transport: leader unknown")
    // ErrUnknownTarget is returned when a node id cannot be resolved to a
    // delivery address.
    ErrUnknownTarget = errors.New("transport: target node unknown")
)

// Envelope is the unit delivered between nodes: a message type tag plus the
// JSON-encoded message body.
type Envelope struct {
    Type    string          `json:"type"`
    Payload json.RawMessage `json:"payload"`
}

// NewEnvelope encodes v as the payload of a typed envelope.
func NewEnvelope(msgType string, v any) (Envelope, error) {
    b, err := json.Marshal(v)
    if err != nil {
        return Envelope{}, err
    }
    return Envelope{Type: msgType, Payload: b}, nil
}

// RemoteTarget is a resolved delivery destination for a node.
type RemoteTarget struct {
    ID   consensus.NodeID
    Addr string
}

// Dispatcher resolves "who is the current leader" and "how do I reach node N"
// and delivers envelopes to remote nodes.
type Dispatcher interface {
    CurrentLeader(ctx context.Context) (consensus.NodeID, error)
    Resolve(ctx context.Context, id consensus.NodeID) (RemoteTarget, error)
    Deliver(ctx context.Context, target RemoteTarget, env Envelope) ([]byte, error)
}

// DispatchFunc routes one inbound envelope to its handler and returns the
// reply body.
type DispatchFunc func(ctx context.Context, env Envelope) ([]byte, error)

// Server is a delivery endpoint accepting envelopes from peers.
type Server interface {
    Start(ctx context.Context, dispatch DispatchFunc) error
    Addr() string
    Stop(ctx context.Context) error
}

// Client sends envelopes to a peer's delivery endpoint.
type Client interface {
    Send(ctx context.Context, addr string, env Envelope) ([]byte, error)
}
