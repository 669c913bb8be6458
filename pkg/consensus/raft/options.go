package raftcons

import (
    "log"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/ring"
    "github.com/amirimatin/go-raftgate/pkg/state"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// Options configures the Raft-backed consensus engine.
type Options struct {
    // NodeID is the unique identifier of this node. It doubles as the node's
    // raft address: peers are resolved through the Dispatcher at send time.
    NodeID string

    // Dispatcher delivers consensus wire messages to peers.
    Dispatcher transport.Dispatcher

    // DataDir selects on-disk log/stable/snapshot stores when non-empty,
    // in-memory stores otherwise.
    DataDir string

    // SnapshotsRetained bounds on-disk snapshots (default 2).
    SnapshotsRetained int

    // Raft tuning (optional). Zero means use defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration

    // ApplyTimeout bounds a single log apply (default 5s).
    ApplyTimeout time.Duration

    // RPCTimeout bounds one peer round-trip (default 3s).
    RPCTimeout time.Duration

    // Store is the replicated membership view the FSM applies into.
    // A fresh store is created when nil.
    Store *state.Store

    // Ring, when set, is kept in lockstep with applied membership commands.
    Ring *ring.Ring

    // App handles application commands outside the reserved membership ops.
    App consensus.StateMachine

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
}
