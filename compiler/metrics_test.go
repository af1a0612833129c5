package compiler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/renstrom/dedent"

	"github.com/stealthrocket/suspend/ir"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	class := lowerClass(t, twoPoints, WithMetrics(metrics))
	if err := Compile(class, WithMetrics(metrics)); err != nil {
		t.Fatal(err)
	}

	bad := ir.MustParseClass(dedent.Dedent(`
		class demo/Bad
		  method public run (Ljava/lang/Object;Ljava/lang/Throwable;)V
		    .locals 3
		    .annotation Lsuspend/ContinuationMethod;
		    invokestatic suspend/Markers suspensionPoint ()V
		    return
		  end
	`))
	if err := Compile(bad, WithMetrics(metrics)); err == nil {
		t.Fatal("expected an error")
	}

	for _, test := range []struct {
		name      string
		collector prometheus.Collector
		want      float64
	}{
		{name: "transformed", collector: metrics.methods.WithLabelValues("transformed"), want: 1},
		{name: "skipped", collector: metrics.methods.WithLabelValues("skipped"), want: 1},
		{name: "failed", collector: metrics.methods.WithLabelValues("failed"), want: 1},
		{name: "suspension points", collector: metrics.suspensionPoints, want: 2},
		{name: "spilled locals", collector: metrics.spilledLocals, want: 5},
	} {
		if got := testutil.ToFloat64(test.collector); got != test.want {
			t.Errorf("%s: got %v, want %v", test.name, got, test.want)
		}
	}
	if n := testutil.CollectAndCount(metrics.duration); n != 1 {
		t.Errorf("duration histogram: got %d series, want 1", n)
	}

	problems, err := testutil.GatherAndLint(reg)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range problems {
		t.Errorf("metric %s: %s", p.Metric, p.Text)
	}
}

func TestMetricsOptional(t *testing.T) {
	var m *Metrics
	m.observe("transformed", 1, 1, 0)
}
