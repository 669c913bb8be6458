package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ProposalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "raftgate",
        Name:      "proposals_total",
        Help:      "Client proposals handled by this node, by outcome",
    }, []string{"result"})

    ForwardsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "raftgate",
        Name:      "forwards_total",
        Help:      "Messages forwarded to the remote leader, by message type",
    }, []string{"type"})

    RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "raftgate",
        Name:      "retries_total",
        Help:      "Request resubmissions after a recoverable failure",
    })

    DroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "raftgate",
        Name:      "dropped_total",
        Help:      "Requests dropped without retry, by reason",
    }, []string{"reason"})

    ConfigChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "raftgate",
        Name:      "config_changes_total",
        Help:      "Membership change requests handled by this node, by outcome",
    }, []string{"result"})

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "raftgate",
        Name:      "is_leader",
        Help:      "1 if this node is the leader, else 0",
    })

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "raftgate",
        Name:      "members_total",
        Help:      "Members recorded in the replicated membership view",
    })

    DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "raftgate",
        Subsystem: "wire",
        Name:      "deliveries_total",
        Help:      "Inbound envelopes dispatched, by message type",
    }, []string{"type"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "raftgate",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "raftgate",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "raftgate",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "raftgate",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ProposalsTotal)
        prometheus.MustRegister(ForwardsTotal)
        prometheus.MustRegister(RetriesTotal)
        prometheus.MustRegister(DroppedTotal)
        prometheus.MustRegister(ConfigChangesTotal)
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(ClusterMembers)
        prometheus.MustRegister(DeliveriesTotal)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
