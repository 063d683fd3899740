// Unit tests for Prometheus metrics implementation
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"sync"
	"testing"
)

func TestCounterBasic(t *testing.T) {
	c := NewCounter("test_counter", "A test counter")

	if v := c.Get(nil); v != 0 {
		t.Errorf("expected initial value 0, got %d", v)
	}
	c.Inc(nil)
	c.Add(nil, 10)
	if v := c.Get(nil); v != 11 {
		t.Errorf("expected value 11, got %d", v)
	}
	if c.Type() != TypeCounter || c.Type().String() != "counter" {
		t.Errorf("unexpected type %v", c.Type())
	}
}

func TestCounterWithLabels(t *testing.T) {
	c := NewCounter("calls_total", "Calls")

	left := Labels{"channel": "left", "call": "start"}
	right := Labels{"call": "start", "channel": "right"}
	c.Inc(left)
	c.Inc(left)
	c.Inc(right)

	if v := c.Get(Labels{"call": "start", "channel": "left"}); v != 2 {
		t.Errorf("expected left count 2 regardless of label order, got %d", v)
	}
	if v := c.Get(right); v != 1 {
		t.Errorf("expected right count 1, got %d", v)
	}
	if v := c.Get(Labels{"channel": "rear"}); v != 0 {
		t.Errorf("expected unknown series 0, got %d", v)
	}
}

func TestCounterLabelsAreCopied(t *testing.T) {
	c := NewCounter("copied_total", "copy")
	labels := Labels{"channel": "left"}
	c.Inc(labels)
	labels["channel"] = "mutated"

	var sb strings.Builder
	c.Write(&sb)
	if !strings.Contains(sb.String(), `copied_total{channel="left"} 1`) {
		t.Errorf("caller mutation leaked into series:\n%s", sb.String())
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter("concurrent_counter", "Test concurrent access")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Inc(Labels{"k": "v"})
			}
		}()
	}
	wg.Wait()
	if v := c.Get(Labels{"k": "v"}); v != 10000 {
		t.Errorf("expected 10000, got %d", v)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("buffered", "Buffered points")
	g.Set(nil, 5)
	g.Inc(nil)
	g.Add(nil, 2.5)
	g.Dec(nil)
	if v := g.Get(nil); v != 7.5 {
		t.Errorf("expected 7.5, got %v", v)
	}
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	h := NewHistogram("latency", "Latency", []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.0625, 0.25, 0.25, 0.75, 2} {
		h.Observe(nil, v)
	}

	snap := h.GetSnapshot(nil)
	if snap.Count != 5 {
		t.Errorf("expected count 5, got %d", snap.Count)
	}
	want := map[float64]uint64{0.1: 1, 0.5: 3, 1: 4}
	for bound, n := range want {
		if snap.Buckets[bound] != n {
			t.Errorf("bucket le=%g: expected %d, got %d", bound, n, snap.Buckets[bound])
		}
	}

	var sb strings.Builder
	h.Write(&sb)
	out := sb.String()
	for _, line := range []string{
		`latency_bucket{le="0.1"} 1`,
		`latency_bucket{le="0.5"} 3`,
		`latency_bucket{le="1"} 4`,
		`latency_bucket{le="+Inf"} 5`,
		`latency_sum 3.3125`,
		`latency_count 5`,
	} {
		if !strings.Contains(out, line) {
			t.Errorf("missing %q in:\n%s", line, out)
		}
	}
}

func TestHistogramEmptySnapshot(t *testing.T) {
	h := NewHistogram("empty", "Empty", DefaultBuckets())
	snap := h.GetSnapshot(Labels{"x": "y"})
	if snap.Count != 0 || snap.Buckets == nil {
		t.Errorf("unexpected empty snapshot %+v", snap)
	}
}

func TestLinearBuckets(t *testing.T) {
	got := LinearBuckets(0, 5, 4)
	want := []float64{0, 5, 10, 15}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("LinearBuckets = %v, want %v", got, want)
		}
	}
}

func TestWriteIsSortedByLabels(t *testing.T) {
	c := NewCounter("runs_total", "Runs")
	c.Inc(Labels{"outcome": "timeout"})
	c.Inc(Labels{"outcome": "cancelled"})
	c.Inc(Labels{"outcome": "normal_finish"})

	var sb strings.Builder
	c.Write(&sb)
	out := sb.String()
	a := strings.Index(out, "cancelled")
	b := strings.Index(out, "normal_finish")
	d := strings.Index(out, "timeout")
	if !(a < b && b < d) {
		t.Errorf("series not sorted:\n%s", out)
	}
}

func TestLabelEscaping(t *testing.T) {
	got := Labels{"reason": "say \"stop\"\nnow\\"}.String()
	want := `{reason="say \"stop\"\nnow\\"}`
	if got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	c := NewCounter("a_total", "A")
	g := NewGauge("b", "B")
	r.MustRegister(c)
	r.MustRegister(g)

	if err := r.Register(NewCounter("a_total", "dup")); err == nil {
		t.Error("expected duplicate registration error")
	}
	if r.Get("b") != g {
		t.Error("Get returned wrong metric")
	}

	c.Inc(nil)
	g.Set(nil, 2)
	out := r.Gather()
	if strings.Index(out, "a_total") > strings.Index(out, "# HELP b ") {
		t.Errorf("registration order not preserved:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE b gauge\nb 2\n") {
		t.Errorf("gauge not rendered:\n%s", out)
	}
}

func TestDrivetrainMetricsRecordRun(t *testing.T) {
	dm := NewDrivetrainMetrics()
	dm.RecordRun("normal_finish", 0, 3)
	dm.RecordRun("timeout", 0, -1)
	dm.RecordChannelCall("left", "start_streaming")
	dm.RecordDecompose(0, 2)
	dm.RecordEmergencyStop("operator")

	if v := dm.RunsTotal.Get(Labels{"outcome": "timeout"}); v != 1 {
		t.Errorf("timeout runs = %d, want 1", v)
	}
	if v := dm.TimeoutsTotal.Get(nil); v != 1 {
		t.Errorf("timeouts = %d, want 1", v)
	}
	if snap := dm.StreamingStartTicks.GetSnapshot(nil); snap.Count != 1 {
		t.Errorf("start ticks observed %d times, want 1", snap.Count)
	}
	if v := dm.DegenerateSteps.Get(nil); v != 2 {
		t.Errorf("degenerate steps = %d, want 2", v)
	}

	out := dm.Gather()
	for _, want := range []string{
		`tankdrive_channel_calls_total{call="start_streaming",channel="left"} 1`,
		`tankdrive_emergency_stops_total{reason="operator"} 1`,
		`tankdrive_go_goroutines `,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}
