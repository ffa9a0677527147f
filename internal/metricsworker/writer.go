// Package metricsworker implements the Metrics Worker (spec.md §4.6): forwards
// metrics:raw to a Prometheus push gateway and optional secondary sinks, grouping
// samples by (source, metric_type) and emitting stable text exposition format.
//
// The text-exposition writer below generalizes the teacher's sorted-label, HELP/TYPE
// header emitter (internal/family.go, internal/metric.go, internal/writer.go in the
// CRD-metrics exporter this project started from) from per-CRD metric families to
// Stream Bus metric samples.
package metricsworker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/killkrill/killkrill/internal/model"
)

// defaultHelp is used when a sample carries no help text, mirroring the teacher's own
// fallback of always emitting a HELP line even when the source data has none.
const defaultHelp = "killkrill metric"

// writeHeader emits the "# HELP name help\n# TYPE name kind\n" pair once per distinct
// metric name within a push-gateway group.
func writeHeader(w *strings.Builder, name, help string, kind model.MetricKind) {
	if help == "" {
		help = defaultHelp
	}
	w.WriteString("# HELP ")
	w.WriteString(name)
	w.WriteString(" ")
	w.WriteString(help)
	w.WriteString("\n")
	w.WriteString("# TYPE ")
	w.WriteString(name)
	w.WriteString(" ")
	w.WriteString(string(kind))
	w.WriteString("\n")
}

// writeSample emits one "name{k=\"v\",...} value\n" line, with labels sorted
// lexicographically so the body bytes are stable across runs (spec.md §4.6 point 2).
func writeSample(w *strings.Builder, name string, labels map[string]string, value float64) {
	w.WriteString(name)
	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				w.WriteString(",")
			}
			w.WriteString(k)
			w.WriteString(`="`)
			escapeInto(w, labels[k])
			w.WriteString(`"`)
		}
		w.WriteString("}")
	}
	w.WriteString(" ")
	w.WriteString(strconv.FormatFloat(value, 'f', -1, 64))
	w.WriteString("\n")
}

func escapeInto(w *strings.Builder, s string) {
	replacer := strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)
	_, _ = replacer.WriteString(w, s)
}

// group is one (source, metric_type) bucket of samples sharing one push body.
type group struct {
	source     string
	metricType model.MetricKind
	samples    []model.MetricSample
}

func groupKey(source string, kind model.MetricKind) string {
	return fmt.Sprintf("%s\x00%s", source, kind)
}

// groupSamples partitions samples by (source, metric_type), preserving first-seen
// group order so output is deterministic for a fixed input order.
func groupSamples(samples []model.MetricSample) []group {
	index := make(map[string]int)
	var groups []group
	for _, s := range samples {
		key := groupKey(s.Source, s.Kind)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{source: s.Source, metricType: s.Kind})
		}
		groups[i].samples = append(groups[i].samples, s)
	}

	return groups
}

// buildPushBody renders one group's samples into Prometheus text exposition format,
// emitting a HELP/TYPE pair once per distinct metric name within the group.
func buildPushBody(g group) string {
	var b strings.Builder
	seenHeader := make(map[string]bool)
	for _, s := range g.samples {
		if !seenHeader[s.Name] {
			writeHeader(&b, s.Name, s.Help, s.Kind)
			seenHeader[s.Name] = true
		}
		writeSample(&b, s.Name, s.Labels, s.Value)
	}

	return b.String()
}
