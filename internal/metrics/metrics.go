// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefragRequests counts fragments submitted for reassembly
	DefragRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ovs_tsn_defrag_requests_total",
			Help: "Total number of fragments submitted for reassembly",
		},
	)

	// DefragReassembled counts successfully reassembled datagrams
	DefragReassembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ovs_tsn_defrag_reassembled_total",
			Help: "Total number of successfully reassembled datagrams",
		},
	)

	// DefragFailures counts reassembly failures by reason
	DefragFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovs_tsn_defrag_failures_total",
			Help: "Total number of reassembly failures",
		},
		[]string{"reason"},
	)

	// DefragTimeouts counts queues killed by the expiry timer
	DefragTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ovs_tsn_defrag_timeouts_total",
			Help: "Total number of reassembly queues that timed out",
		},
	)

	// DefragEvictions counts queues killed under memory pressure
	DefragEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ovs_tsn_defrag_evictions_total",
			Help: "Total number of reassembly queues evicted under memory pressure",
		},
	)

	// DefragActiveQueues tracks in-flight reassembly queues
	DefragActiveQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ovs_tsn_defrag_active_queues",
			Help: "Number of in-flight reassembly queues",
		},
	)

	// DefragMemoryBytes tracks bytes charged against the fragment memory budget
	DefragMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ovs_tsn_defrag_memory_bytes",
			Help: "Bytes of fragment data charged against the reassembly memory budget",
		},
	)

	// DefragNotifications counts emitted reassembly timeout notifications
	DefragNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ovs_tsn_defrag_timeout_notifications_total",
			Help: "Total number of reassembly timeout notifications emitted",
		},
	)

	// DefragNotifyDrops counts suppressed timeout notifications by reason
	DefragNotifyDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovs_tsn_defrag_timeout_notification_drops_total",
			Help: "Total number of reassembly timeout notifications suppressed",
		},
		[]string{"reason"},
	)

	// PipelinePackets counts packets entering the datapath pipeline by outcome
	PipelinePackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovs_tsn_pipeline_packets_total",
			Help: "Total number of packets processed by the pipeline",
		},
		[]string{"outcome"},
	)

	// ReporterErrors counts reporter delivery errors
	ReporterErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ovs_tsn_reporter_errors_total",
			Help: "Total number of reporter delivery errors",
		},
		[]string{"reporter"},
	)
)
