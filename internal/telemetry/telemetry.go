// Package telemetry holds the metric keys and labels emitted by the worker.
package telemetry

import (
	"strings"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricStreamMessagesIn        = []string{"funcworker", "stream", "messages", "in"}
	MetricStreamMessagesOut       = []string{"funcworker", "stream", "messages", "out"}
	MetricStreamErrorCount        = []string{"funcworker", "stream", "error", "count"}
	MetricDispatchCount           = []string{"funcworker", "dispatch", "count"}
	MetricDispatchDroppedCount    = []string{"funcworker", "dispatch", "dropped", "count"}
	MetricInvocationCount         = []string{"funcworker", "invocation", "count"}
	MetricInvocationLatencyMillis = []string{"funcworker", "invocation", "latency", "ms"}
	MetricSharedMemoryCreated     = []string{"funcworker", "sharedmem", "created", "count"}
	MetricSharedMemoryFreed       = []string{"funcworker", "sharedmem", "freed", "count"}
	MetricSharedMemoryFallback    = []string{"funcworker", "sharedmem", "fallback", "count"}
	MetricHTTPRequestCount        = []string{"funcworker", "http", "request", "count"}
)

type Label string

var (
	LabelContent  Label = "content"
	LabelFunction Label = "function"
	LabelStatus   Label = "status"
	LabelError    Label = "error"
	LabelKind     Label = "kind"
)

func (x Label) M(val string) metrics.Label {
	return metrics.Label{Name: string(x), Value: val}
}

// Sink returns sink, or the global metrics.Default() if nil.
func Sink(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return metrics.Default()
	}
	return sink
}

// Counter sums the value of the counter matching key and labels (in the
// same order as emitted) across every retained interval of sink.
func Counter(sink *metrics.InmemSink, key []string, labels ...metrics.Label) (total float64) {
	name := flatten(key, labels)
	for _, intv := range sink.Data() {
		intv.RLock()
		if v, ok := intv.Counters[name]; ok && v.AggregateSample != nil {
			total += v.Sum
		}
		intv.RUnlock()
	}
	return total
}

func flatten(key []string, labels []metrics.Label) string {
	var b strings.Builder
	b.WriteString(strings.Join(key, "."))
	for _, l := range labels {
		b.WriteString(";")
		b.WriteString(l.Name)
		b.WriteString("=")
		b.WriteString(l.Value)
	}
	return strings.ReplaceAll(b.String(), " ", "_")
}
