package metrics

import (
	"strconv"
	"time"

	"github.com/maxiofs/shardkv/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "shardkv"

// Recorder receives engine and compactor events
type Recorder interface {
	// RecordOperation counts one dispatched request by op and outcome kind
	RecordOperation(op, outcome string, duration time.Duration)

	// RecordCompaction records one compaction pass over a shard
	RecordCompaction(shard, reclaimed, failed int, duration time.Duration)

	// RecordOrphanSweep records blobs reclaimed by an orphan sweep
	RecordOrphanSweep(shard, swept int)
}

// Manager is the Prometheus-backed Recorder. It owns its registry so several
// engines in one process never collide on metric names.
type Manager struct {
	registry *prometheus.Registry

	operationsTotal    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	compactionPasses   *prometheus.CounterVec
	compactionDuration *prometheus.HistogramVec
	entriesReclaimed   *prometheus.CounterVec
	blobDeleteFailures *prometheus.CounterVec
	orphansSwept       *prometheus.CounterVec
}

// Snapshot is a point-in-time summary of the counters
type Snapshot struct {
	Operations         map[string]map[string]uint64 `json:"operations"` // op -> outcome -> count
	CompactionPasses   uint64                       `json:"compaction_passes"`
	EntriesReclaimed   uint64                       `json:"entries_reclaimed"`
	BlobDeleteFailures uint64                       `json:"blob_delete_failures"`
	OrphansSwept       uint64                       `json:"orphans_swept"`
}

// NewRecorder returns a Manager, or a no-op recorder when metrics are disabled
func NewRecorder(cfg config.MetricsConfig) Recorder {
	if !cfg.Enable {
		return Noop()
	}
	return NewManager()
}

// NewManager creates a metrics manager with a private registry
func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Manager{
		registry: registry,
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of dispatched requests",
		}, []string{"op", "outcome"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		compactionPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compactor",
			Name:      "passes_total",
			Help:      "Total number of compaction passes",
		}, []string{"shard"}),
		compactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compactor",
			Name:      "pass_duration_seconds",
			Help:      "Compaction pass duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"shard"}),
		entriesReclaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compactor",
			Name:      "entries_reclaimed_total",
			Help:      "Entries whose blob and row were deleted",
		}, []string{"shard"}),
		blobDeleteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compactor",
			Name:      "blob_delete_failures_total",
			Help:      "Blob deletions that failed and were left for the next pass",
		}, []string{"shard"}),
		orphansSwept: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compactor",
			Name:      "orphans_swept_total",
			Help:      "Unreferenced blobs deleted by the orphan sweep",
		}, []string{"shard"}),
	}
}

// Registry exposes the registry for exporters
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) RecordOperation(op, outcome string, duration time.Duration) {
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
	m.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Manager) RecordCompaction(shard, reclaimed, failed int, duration time.Duration) {
	label := strconv.Itoa(shard)
	m.compactionPasses.WithLabelValues(label).Inc()
	m.compactionDuration.WithLabelValues(label).Observe(duration.Seconds())
	m.entriesReclaimed.WithLabelValues(label).Add(float64(reclaimed))
	m.blobDeleteFailures.WithLabelValues(label).Add(float64(failed))
}

func (m *Manager) RecordOrphanSweep(shard, swept int) {
	m.orphansSwept.WithLabelValues(strconv.Itoa(shard)).Add(float64(swept))
}

// Snapshot sums the counters across shards
func (m *Manager) Snapshot() (Snapshot, error) {
	snap := Snapshot{Operations: make(map[string]map[string]uint64)}

	families, err := m.registry.Gather()
	if err != nil {
		return snap, err
	}

	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			value := uint64(metric.GetCounter().GetValue())

			switch family.GetName() {
			case namespace + "_engine_operations_total":
				op, outcome := labelValue(metric, "op"), labelValue(metric, "outcome")
				if snap.Operations[op] == nil {
					snap.Operations[op] = make(map[string]uint64)
				}
				snap.Operations[op][outcome] += value
			case namespace + "_compactor_passes_total":
				snap.CompactionPasses += value
			case namespace + "_compactor_entries_reclaimed_total":
				snap.EntriesReclaimed += value
			case namespace + "_compactor_blob_delete_failures_total":
				snap.BlobDeleteFailures += value
			case namespace + "_compactor_orphans_swept_total":
				snap.OrphansSwept += value
			}
		}
	}

	return snap, nil
}

// WriteTextfile dumps every metric in the Prometheus text format, for the
// node exporter textfile collector
func (m *Manager) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

// noopRecorder is used when metrics are disabled
type noopRecorder struct{}

// Noop returns a Recorder that discards everything
func Noop() Recorder {
	return noopRecorder{}
}

func (noopRecorder) RecordOperation(op, outcome string, duration time.Duration)     {}
func (noopRecorder) RecordCompaction(shard, reclaimed, failed int, d time.Duration) {}
func (noopRecorder) RecordOrphanSweep(shard, swept int)                             {}

// compile-time interface checks
var (
	_ Recorder = (*Manager)(nil)
	_ Recorder = noopRecorder{}
)
