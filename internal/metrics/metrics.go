package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_commands_received_total",
		Help: "Command envelopes decoded from the commands topic.",
	})

	CommandsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_commands_invalid_total",
		Help: "Envelopes discarded at ingress for failing validation.",
	})

	CommandsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_commands_applied_total",
		Help: "Commands that mutated a wallet profile.",
	})

	CommandsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_commands_deduped_total",
		Help: "Replayed commands skipped by the processed-txn ring.",
	})

	CommandsStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_commands_stale_total",
		Help: "Commands dropped for exceeding the configured max age.",
	})

	LeaseDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_lease_denied_total",
		Help: "Ownership attempts that lost to another node's lease.",
	})

	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_store_version_conflicts_total",
		Help: "Conditional writes rejected on a stale version token.",
	})

	MutationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_mutation_failures_total",
		Help: "Mutations abandoned on a non-retryable store error or after exhausting the retry budget.",
	})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_broadcast_failures_total",
		Help: "Update broadcasts that could not be published.",
	})

	AuditPostFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_audit_post_failures_total",
		Help: "Audit deliveries that failed after retries.",
	})

	ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_apply_duration_ms",
		Help:    "Read-apply-write latency per command in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	SinkIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditd_ingest_total",
		Help: "Webhook deliveries by outcome.",
	}, []string{"outcome"})
)
