package consensus

import (
    "errors"
    "fmt"
)

var (
    // ErrNotStarted is returned when the engine is used before Start.
    ErrNotStarted = errors.New("consensus: engine not started")
    // ErrInternal marks transient engine failures. Callers may retry the
    // identical request; ordering and deduplication are the engine's problem.
    ErrInternal = errors.New("consensus: internal error")
)

// ForwardToLeaderError reports that the local node is not the leader. Leader
// is empty when no leader is currently known.
type ForwardToLeaderError struct {
    Leader NodeID
}

func (e *ForwardToLeaderError) Error() string {
    if e.Leader == "" {
        return "consensus: not leader (leader unknown)"
    }
    return fmt.Sprintf("consensus: not leader, forward to %s", e.Leader)
}

// ApplicationError wraps an error produced by the state machine itself. It is
// reported, never retried: resubmitting the same command would fail again.
type ApplicationError struct {
    Err error
}

func (e *ApplicationError) Error() string { return fmt.Sprintf("consensus: application error: %v", e.Err) }
func (e *ApplicationError) Unwrap() error { return e.Err }

// Retryable reports whether err warrants resubmitting the identical request:
// internal engine failures and stale leadership both qualify.
func Retryable(err error) bool {
    if err == nil {
        return false
    }
    var fwd *ForwardToLeaderError
    if errors.As(err, &fwd) {
        return true
    }
    return errors.Is(err, ErrInternal)
}
