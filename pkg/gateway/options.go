package gateway

import (
    "context"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-raftgate/pkg/consensus"
    "github.com/amirimatin/go-raftgate/pkg/registry"
    "github.com/amirimatin/go-raftgate/pkg/ring"
    "github.com/amirimatin/go-raftgate/pkg/transport"
)

// EngineFactory builds and starts the consensus engine once the dispatcher is
// known. The engine must be ready to serve when the factory returns.
type EngineFactory func(ctx context.Context, d transport.Dispatcher) (consensus.Engine, error)

// RetryPolicy bounds request resubmission. MaxAttempts == 0 retries forever;
// backoff always applies, growing exponentially from BaseBackoff up to
// MaxBackoff.
type RetryPolicy struct {
    MaxAttempts int
    BaseBackoff time.Duration
    MaxBackoff  time.Duration
}

// Exhausted reports whether attempt (1-based, counting failures) has used up
// the budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
    return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Backoff returns the wait before the given (1-based) retry.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
    base := p.BaseBackoff
    if base <= 0 {
        base = 100 * time.Millisecond
    }
    max := p.MaxBackoff
    if max <= 0 {
        max = 5 * time.Second
    }
    d := base
    for i := 1; i < attempt; i++ {
        d *= 2
        if d >= max {
            return max
        }
    }
    if d > max {
        return max
    }
    return d
}

// Options configures a Gateway.
type Options struct {
    // NodeID is this node's identity.
    NodeID consensus.NodeID

    // Registry receives the wire handler registrations performed at Init.
    Registry *registry.Registry

    // NewEngine builds the consensus engine during Init.
    NewEngine EngineFactory

    // Ring, when set, backs Owner lookups for key placement.
    Ring *ring.Ring

    // Retry governs proposal and config-change resubmission.
    Retry RetryPolicy

    // SettleDelay is the wait before bootstrapping a founding cluster,
    // giving peers time to come up. Default 5s.
    SettleDelay time.Duration

    // RegisterDelay is the wait between bootstrap and the self add-member
    // record, giving the election time to settle. Default 5s.
    RegisterDelay time.Duration

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
}

func (o *Options) Validate() error {
    if o.NodeID == "" {
        return fmt.Errorf("gateway: empty NodeID")
    }
    if o.Registry == nil {
        return fmt.Errorf("gateway: nil Registry")
    }
    if o.NewEngine == nil {
        return fmt.Errorf("gateway: nil NewEngine factory")
    }
    return nil
}

func (o *Options) withDefaults() {
    if o.SettleDelay <= 0 {
        o.SettleDelay = 5 * time.Second
    }
    if o.RegisterDelay <= 0 {
        o.RegisterDelay = 5 * time.Second
    }
    if o.Logger == nil {
        o.Logger = log.Default()
    }
}
