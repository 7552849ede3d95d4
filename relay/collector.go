package relay

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// StoreCollector exports the pebble metrics of the retention store.
type StoreCollector struct {
	store   *Store
	metrics []storeMetric
}

func storeDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("blockdoc_relay_store_"+name, help, nil, nil)
}

func NewStoreCollector(store *Store) *StoreCollector {
	return &StoreCollector{
		store: store,
		metrics: []storeMetric{
			{storeDesc("compactions_total", "Compactions performed"), prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{storeDesc("compaction_debt_bytes", "Estimated compaction debt"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{storeDesc("memtable_bytes", "Memtable size"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{storeDesc("memtables", "Memtable count"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{storeDesc("wal_files", "Live WAL files"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
			{storeDesc("wal_bytes", "Live WAL size"), prometheus.GaugeValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
			{storeDesc("wal_bytes_in_total", "Logical bytes written to the WAL"), prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }},
			{storeDesc("wal_bytes_written_total", "Physical bytes written to the WAL"), prometheus.CounterValue,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
		},
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range sc.metrics {
		ch <- m.desc
	}
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := sc.store.metrics()
	if metrics == nil {
		return
	}
	for _, m := range sc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(metrics))
	}
}
