package raftcons

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "io"
    "sync"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/registry"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// wireTransport implements raft.Transport on top of the network dispatcher.
// Raft server addresses are node ids; the dispatcher resolves them to
// delivery targets at send time, so raft configuration never stores network
// locations. Inbound messages arrive through the handler registry.
type wireTransport struct {
    local    raft.ServerAddress
    net      transport.Dispatcher
    timeout  time.Duration
    consumer chan raft.RPC

    hbMu      sync.RWMutex
    heartbeat func(rpc raft.RPC)
}

// wireReply is the reply body for consensus wire messages.
type wireReply struct {
    Data  json.RawMessage `json:"data,omitempty"`
    Error string          `json:"error,omitempty"`
}

// installSnapshotMsg carries the snapshot request plus the buffered snapshot
// stream in a single envelope.
type installSnapshotMsg struct {
    Args raft.InstallSnapshotRequest `json:"args"`
    Data []byte                      `json:"data"`
}

func newWireTransport(local string, net transport.Dispatcher, timeout time.Duration) *wireTransport {
    if timeout <= 0 {
        timeout = 3 * time.Second
    }
    return &wireTransport{
        local:    raft.ServerAddress(local),
        net:      net,
        timeout:  timeout,
        consumer: make(chan raft.RPC, 64),
    }
}

func (t *wireTransport) Consumer() <-chan raft.RPC { return t.consumer }

func (t *wireTransport) LocalAddr() raft.ServerAddress { return t.local }

func (t *wireTransport) AppendEntriesPipeline(id raft.ServerID, target raft.ServerAddress) (raft.AppendPipeline, error) {
    return nil, raft.ErrPipelineReplicationNotSupported
}

func (t *wireTransport) AppendEntries(id raft.ServerID, target raft.ServerAddress, args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) error {
    return t.roundtrip(transport.MsgAppendEntries, target, args, resp)
}

func (t *wireTransport) RequestVote(id raft.ServerID, target raft.ServerAddress, args *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error {
    return t.roundtrip(transport.MsgVote, target, args, resp)
}

// RequestPreVote implements the optional raft.WithPreVote interface.
func (t *wireTransport) RequestPreVote(id raft.ServerID, target raft.ServerAddress, args *raft.RequestPreVoteRequest, resp *raft.RequestPreVoteResponse) error {
    return t.roundtrip(transport.MsgPreVote, target, args, resp)
}

func (t *wireTransport) InstallSnapshot(id raft.ServerID, target raft.ServerAddress, args *raft.InstallSnapshotRequest, resp *raft.InstallSnapshotResponse, data io.Reader) error {
    blob, err := io.ReadAll(data)
    if err != nil {
        return err
    }
    return t.roundtrip(transport.MsgInstallSnapshot, target, &installSnapshotMsg{Args: *args, Data: blob}, resp)
}

func (t *wireTransport) TimeoutNow(id raft.ServerID, target raft.ServerAddress, args *raft.TimeoutNowRequest, resp *raft.TimeoutNowResponse) error {
    return t.roundtrip(transport.MsgTimeoutNow, target, args, resp)
}

func (t *wireTransport) EncodePeer(id raft.ServerID, addr raft.ServerAddress) []byte {
    return []byte(addr)
}

func (t *wireTransport) DecodePeer(b []byte) raft.ServerAddress {
    return raft.ServerAddress(b)
}

func (t *wireTransport) SetHeartbeatHandler(cb func(rpc raft.RPC)) {
    t.hbMu.Lock()
    t.heartbeat = cb
    t.hbMu.Unlock()
}

func (t *wireTransport) roundtrip(msgType string, target raft.ServerAddress, args, resp interface{}) error {
    ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
    defer cancel()
    tgt, err := t.net.Resolve(ctx, consensus.NodeID(target))
    if err != nil {
        return err
    }
    env, err := transport.NewEnvelope(msgType, args)
    if err != nil {
        return err
    }
    b, err := t.net.Deliver(ctx, tgt, env)
    if err != nil {
        return err
    }
    var rep wireReply
    if err := json.Unmarshal(b, &rep); err != nil {
        return err
    }
    if rep.Error != "" {
        return errors.New(rep.Error)
    }
    return json.Unmarshal(rep.Data, resp)
}

// handlers returns the inbound dispatch targets for consensus control
// messages, keyed by message type tag.
func (t *wireTransport) handlers() map[string]registry.Handler {
    return map[string]registry.Handler{
        transport.MsgAppendEntries: registry.HandlerFunc(t.handleAppendEntries),
        transport.MsgVote: registry.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
            var req raft.RequestVoteRequest
            if err := json.Unmarshal(payload, &req); err != nil {
                return nil, err
            }
            return t.serveRPC(ctx, &req, nil, false)
        }),
        transport.MsgPreVote: registry.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
            var req raft.RequestPreVoteRequest
            if err := json.Unmarshal(payload, &req); err != nil {
                return nil, err
            }
            return t.serveRPC(ctx, &req, nil, false)
        }),
        transport.MsgTimeoutNow: registry.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
            var req raft.TimeoutNowRequest
            if err := json.Unmarshal(payload, &req); err != nil {
                return nil, err
            }
            return t.serveRPC(ctx, &req, nil, false)
        }),
        transport.MsgInstallSnapshot: registry.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
            var msg installSnapshotMsg
            if err := json.Unmarshal(payload, &msg); err != nil {
                return nil, err
            }
            return t.serveRPC(ctx, &msg.Args, bytes.NewReader(msg.Data), false)
        }),
    }
}

func (t *wireTransport) handleAppendEntries(ctx context.Context, payload []byte) ([]byte, error) {
    var req raft.AppendEntriesRequest
    if err := json.Unmarshal(payload, &req); err != nil {
        return nil, err
    }
    return t.serveRPC(ctx, &req, nil, isHeartbeat(&req))
}

// isHeartbeat mirrors the fast-path check of raft's own network transport.
func isHeartbeat(req *raft.AppendEntriesRequest) bool {
    return req.Term != 0 &&
        req.PrevLogEntry == 0 &&
        req.PrevLogTerm == 0 &&
        len(req.Entries) == 0 &&
        req.LeaderCommitIndex == 0
}

// serveRPC hands one inbound request to the raft core and encodes the
// response. Heartbeats go through the dedicated handler to bypass the
// consumer queue.
func (t *wireTransport) serveRPC(ctx context.Context, cmd interface{}, reader io.Reader, heartbeatOK bool) ([]byte, error) {
    respCh := make(chan raft.RPCResponse, 1)
    rpc := raft.RPC{Command: cmd, Reader: reader, RespChan: respCh}

    dispatched := false
    if heartbeatOK {
        t.hbMu.RLock()
        hb := t.heartbeat
        t.hbMu.RUnlock()
        if hb != nil {
            hb(rpc)
            dispatched = true
        }
    }
    if !dispatched {
        select {
        case t.consumer <- rpc:
        case <-ctx.Done():
            return nil, ctx.Err()
        }
    }

    select {
    case resp := <-respCh:
        if resp.Error != nil {
            return json.Marshal(wireReply{Error: resp.Error.Error()})
        }
        data, err := json.Marshal(resp.Response)
        if err != nil {
            return nil, err
        }
        return json.Marshal(wireReply{Data: data})
    case <-ctx.Done():
        return nil, ctx.Err()
    }
}

var _ raft.Transport = (*wireTransport)(nil)
var _ raft.WithPreVote = (*wireTransport)(nil)
