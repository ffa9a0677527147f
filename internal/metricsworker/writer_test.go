package metricsworker

import (
	"strings"
	"testing"

	"github.com/killkrill/killkrill/internal/model"
)

func TestWriteSampleSortsLabelsLexicographically(t *testing.T) {
	var b strings.Builder
	writeSample(&b, "http_requests_total", map[string]string{"path": "/x", "method": "GET"}, 3)

	got := b.String()
	want := `http_requests_total{method="GET",path="/x"} 3` + "\n"
	if got != want {
		t.Errorf("writeSample = %q, want %q", got, want)
	}
}

func TestWriteSampleEscapesSpecialChars(t *testing.T) {
	var b strings.Builder
	writeSample(&b, "m", map[string]string{"k": "a\"b\\c\nd"}, 1)

	got := b.String()
	if !strings.Contains(got, `k="a\"b\\c\nd"`) {
		t.Errorf("writeSample did not escape correctly: %q", got)
	}
}

func TestBuildPushBodyEmitsHeaderOncePerName(t *testing.T) {
	g := group{
		source:     "svc",
		metricType: model.MetricKindCounter,
		samples: []model.MetricSample{
			{Name: "requests_total", Kind: model.MetricKindCounter, Value: 1, Help: "total requests"},
			{Name: "requests_total", Kind: model.MetricKindCounter, Value: 2, Labels: map[string]string{"code": "200"}},
		},
	}

	body := buildPushBody(g)
	if strings.Count(body, "# HELP requests_total") != 1 {
		t.Errorf("expected exactly one HELP line, got body:\n%s", body)
	}
	if strings.Count(body, "# TYPE requests_total") != 1 {
		t.Errorf("expected exactly one TYPE line, got body:\n%s", body)
	}
	if !strings.Contains(body, "requests_total 1\n") {
		t.Errorf("missing unlabeled sample line, got:\n%s", body)
	}
	if !strings.Contains(body, `requests_total{code="200"} 2`) {
		t.Errorf("missing labeled sample line, got:\n%s", body)
	}
}

func TestGroupSamplesPartitionsBySourceAndType(t *testing.T) {
	samples := []model.MetricSample{
		{Name: "a", Source: "svc1", Kind: model.MetricKindCounter},
		{Name: "b", Source: "svc1", Kind: model.MetricKindGauge},
		{Name: "c", Source: "svc2", Kind: model.MetricKindCounter},
		{Name: "d", Source: "svc1", Kind: model.MetricKindCounter},
	}

	groups := groupSamples(samples)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if groups[0].source != "svc1" || groups[0].metricType != model.MetricKindCounter || len(groups[0].samples) != 2 {
		t.Errorf("first group = %+v, want svc1/counter with 2 samples", groups[0])
	}
}
