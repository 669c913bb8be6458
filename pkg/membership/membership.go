package membership

import (
    "context"
    "time"
)

// MemberInfo describes a cluster member as observed by the gossip layer.
// Meta carries auxiliary data; the "rpc" key holds the delivery endpoint
// address used to reach the node's message dispatcher.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin EventType = "join"
    // EventLeave indicates a member left the cluster.
    EventLeave EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// View is the read side of the gossip layer: who is visible and how to reach
// them. The network dispatcher resolves node identifiers through it.
type View interface {
    Local() MemberInfo
    Members() []MemberInfo
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer. It is responsible for peer discovery, join/leave and event delivery.
type Membership interface {
    View
    Start(ctx context.Context) error
    Join(seeds []string) error
    Events() <-chan Event
    Leave() error
    Stop() error
}
