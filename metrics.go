package kvdoc

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Collection metrics, labelled by collection name.
var (
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdoc",
			Name:      "commits_total",
			Help:      "Total number of committed document writes and deletes",
		},
		[]string{"collection", "op"},
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdoc",
			Name:      "conflicts_total",
			Help:      "Total number of failed versionstamp or existence checks, by outcome",
		},
		[]string{"collection", "reason"},
	)

	ChunkedWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdoc",
			Name:      "chunked_writes_total",
			Help:      "Total number of documents written in chunked form",
		},
		[]string{"collection"},
	)

	ChunksWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdoc",
			Name:      "chunks_written_total",
			Help:      "Total number of chunk entries written",
		},
		[]string{"collection"},
	)

	IndexMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdoc",
			Name:      "index_mutations_total",
			Help:      "Total number of index entries inserted or removed",
		},
		[]string{"collection", "kind"}, // "insert" / "remove"
	)

	WatchDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdoc",
			Name:      "watch_deliveries_total",
			Help:      "Total number of watch callback invocations",
		},
		[]string{"collection"},
	)

	ValueSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kvdoc",
			Name:      "value_size_bytes",
			Help:      "Size of serialized document payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 9),
		},
		[]string{"collection"},
	)
)

func allMetrics() []prometheus.Collector {
	return []prometheus.Collector{
		CommitsTotal,
		ConflictsTotal,
		ChunkedWritesTotal,
		ChunksWrittenTotal,
		IndexMutationsTotal,
		WatchDeliveriesTotal,
		ValueSizeBytes,
	}
}

// RegisterMetrics registers the collection metrics with reg. Registering
// with the same registry again is a no-op.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range allMetrics() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
