// Package metrics exports a gpumem.Heaps instance's utilization counters
// as Prometheus gauges.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/christerso/gpumem/pkg/gpumem"
)

// Recorder is a prometheus.Collector that reads live counters off a
// gpumem.Heaps instance on every scrape; it holds no state of its own
// between scrapes.
type Recorder struct {
	heaps *gpumem.Heaps

	typeUsed      *prometheus.Desc
	typeEffective *prometheus.Desc
	heapUsed      *prometheus.Desc
	heapEffective *prometheus.Desc
	heapSize      *prometheus.Desc
}

// NewRecorder builds a Recorder for heaps, tagging every series with the
// Heaps instance's uuid so multiple instances can be scraped side by side.
func NewRecorder(heaps *gpumem.Heaps) *Recorder {
	id := heaps.ID().String()
	constLabels := prometheus.Labels{"heaps_id": id}

	return &Recorder{
		heaps: heaps,
		typeUsed: prometheus.NewDesc(
			"gpumem_memory_type_used_bytes",
			"Bytes committed to the device for this memory type.",
			[]string{"memory_type"}, constLabels),
		typeEffective: prometheus.NewDesc(
			"gpumem_memory_type_effective_bytes",
			"Bytes handed out to callers for this memory type.",
			[]string{"memory_type"}, constLabels),
		heapUsed: prometheus.NewDesc(
			"gpumem_memory_heap_used_bytes",
			"Bytes committed to the device within this memory heap.",
			[]string{"memory_heap"}, constLabels),
		heapEffective: prometheus.NewDesc(
			"gpumem_memory_heap_effective_bytes",
			"Bytes handed out to callers within this memory heap.",
			[]string{"memory_heap"}, constLabels),
		heapSize: prometheus.NewDesc(
			"gpumem_memory_heap_size_bytes",
			"Total reported capacity of this memory heap.",
			[]string{"memory_heap"}, constLabels),
	}
}

func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.typeUsed
	ch <- r.typeEffective
	ch <- r.heapUsed
	ch <- r.heapEffective
	ch <- r.heapSize
}

func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	u := r.heaps.Utilization()

	for _, t := range u.Types {
		label := strconv.FormatUint(uint64(t.MemoryTypeIndex), 10)
		ch <- prometheus.MustNewConstMetric(r.typeUsed, prometheus.GaugeValue, float64(t.Used), label)
		ch <- prometheus.MustNewConstMetric(r.typeEffective, prometheus.GaugeValue, float64(t.Effective), label)
	}

	for _, h := range u.Heaps {
		label := strconv.FormatUint(uint64(h.HeapIndex), 10)
		ch <- prometheus.MustNewConstMetric(r.heapUsed, prometheus.GaugeValue, float64(h.Used), label)
		ch <- prometheus.MustNewConstMetric(r.heapEffective, prometheus.GaugeValue, float64(h.Effective), label)
		ch <- prometheus.MustNewConstMetric(r.heapSize, prometheus.GaugeValue, float64(h.Size), label)
	}
}
