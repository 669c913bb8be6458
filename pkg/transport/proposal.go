package transport

import (
    "encoding/json"
    "errors"
    "fmt"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
)

// Proposal reply statuses. The forwarding side reconstructs the engine's
// typed errors from these so that retry classification is identical for local
// and remote submissions.
const (
    StatusOK          = "ok"
    StatusInternal    = "internal"
    StatusForward     = "forward"
    StatusApplication = "application"
)

// ProposalReply is the wire form of a proposal outcome.
type ProposalReply struct {
    Status string           `json:"status"`
    Leader consensus.NodeID `json:"leader,omitempty"`
    Index  uint64           `json:"index,omitempty"`
    Data   []byte           `json:"data,omitempty"`
    Error  string           `json:"error,omitempty"`
}

// NewProposalReply encodes a proposal outcome for the wire.
func NewProposalReply(res *consensus.ApplyResult, err error) ProposalReply {
    if err == nil {
        rep := ProposalReply{Status: StatusOK}
        if res != nil {
            rep.Index = res.Index
            rep.Data = res.Data
        }
        return rep
    }
    var fwd *consensus.ForwardToLeaderError
    if errors.As(err, &fwd) {
        return ProposalReply{Status: StatusForward, Leader: fwd.Leader, Error: err.Error()}
    }
    var app *consensus.ApplicationError
    if errors.As(err, &app) {
        return ProposalReply{Status: StatusApplication, Error: app.Err.Error()}
    }
    return ProposalReply{Status: StatusInternal, Error: err.Error()}
}

// Err reconstructs the typed error carried by the reply, or nil on success.
func (r ProposalReply) Err() error {
    switch r.Status {
    case StatusOK, "":
        return nil
    case StatusForward:
        return &consensus.ForwardToLeaderError{Leader: r.Leader}
    case StatusApplication:
        return &consensus.ApplicationError{Err: errors.New(r.Error)}
    default:
        return fmt.Errorf("%w: %s", consensus.ErrInternal, r.Error)
    }
}

// Result converts the reply into an ApplyResult on success.
func (r ProposalReply) Result() *consensus.ApplyResult {
    if r.Status != StatusOK && r.Status != "" {
        return nil
    }
    return &consensus.ApplyResult{Index: r.Index, Data: r.Data}
}

// DecodeProposalReply decodes a reply body produced by the leader side.
func DecodeProposalReply(b []byte) (ProposalReply, error) {
    var rep ProposalReply
    if err := json.Unmarshal(b, &rep); err != nil {
        return rep, fmt.Errorf("transport: bad proposal reply: %w", err)
    }
    return rep, nil
}
