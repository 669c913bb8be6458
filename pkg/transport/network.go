package transport

import (
    "context"
    "sync"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/membership"
)

// LeaderSource answers the "who is the leader" query. The local consensus
// engine implements it once constructed.
type LeaderSource interface {
    Leader() (consensus.NodeID, bool)
}

// Network is the default Dispatcher: leadership comes from the bound leader
// source, addresses from the gossip view ("rpc" meta key, falling back to the
// gossip address), and delivery goes through the wire client.
type Network struct {
    local  consensus.NodeID
    view   membership.View
    client Client

    mu  sync.RWMutex
    src LeaderSource
}

func NewNetwork(local consensus.NodeID, view membership.View, client Client) *Network {
    return &Network{local: local, view: view, client: client}
}

// BindLeaderSource wires the leadership query. Called once the local engine
// exists; lookups before that report ErrUnknownLeader.
func (n *Network) BindLeaderSource(src LeaderSource) {
    n.mu.Lock()
    n.src = src
    n.mu.Unlock()
}

// CurrentLeader returns the presently believed leader. No caching or
// staleness tracking happens here; every request re-queries.
func (n *Network) CurrentLeader(ctx context.Context) (consensus.NodeID, error) {
    n.mu.RLock()
    src := n.src
    n.mu.RUnlock()
    if src == nil {
        return "", ErrUnknownLeader
    }
    id, ok := src.Leader()
    if !ok || id == "" {
        return "", ErrUnknownLeader
    }
    return id, nil
}

// Resolve maps a node id to its delivery target via the gossip view.
func (n *Network) Resolve(ctx context.Context, id consensus.NodeID) (RemoteTarget, error) {
    for _, m := range n.view.Members() {
        if consensus.NodeID(m.ID) != id {
            continue
        }
        addr := m.Addr
        if m.Meta != nil {
            if rpc := m.Meta["rpc"]; rpc != "" {
                addr = rpc
            }
        }
        return RemoteTarget{ID: id, Addr: addr}, nil
    }
    return RemoteTarget{}, ErrUnknownTarget
}

// Deliver sends env to target and returns the raw reply body.
func (n *Network) Deliver(ctx context.Context, target RemoteTarget, env Envelope) ([]byte, error) {
    return n.client.Send(ctx, target.Addr, env)
}

var _ Dispatcher = (*Network)(nil)
