package diag

import "testing"

func callA(dc *DistinctCaller) (bool, string) { return dc.Distinct() }
func callB(dc *DistinctCaller) (bool, string) { return dc.Distinct() }

func TestDistinctCallerFirstOccurrenceOnly(t *testing.T) {
	dc := &DistinctCaller{Enabled: true}

	// Both iterations reach Distinct through the same call chain.
	var first, again bool
	var stack string
	for i := 0; i < 2; i++ {
		d, s := callA(dc)
		if i == 0 {
			first, stack = d, s
		} else {
			again = d
		}
	}
	if !first {
		t.Fatalf("expected first call to be distinct")
	}
	if stack == "" {
		t.Fatalf("expected a non-empty stack trace")
	}

	if again {
		t.Fatalf("expected repeat call site to not be distinct")
	}

	other, _ := callB(dc)
	if !other {
		t.Fatalf("expected a different call site to be distinct")
	}

	if dc.Len() != 2 {
		t.Fatalf("expected 2 distinct call chains, got %d", dc.Len())
	}
}

func TestDistinctCallerDisabledIsNoop(t *testing.T) {
	dc := &DistinctCaller{Enabled: false}
	first, stack := dc.Distinct()
	if first || stack != "" {
		t.Fatalf("expected disabled DistinctCaller to report nothing")
	}
}

func TestDistinctCallerWhitelist(t *testing.T) {
	dc := &DistinctCaller{Enabled: true, Whitelist: map[string]bool{
		"labkernel/diag.TestDistinctCallerWhitelist": true,
	}}
	first, _ := dc.Distinct()
	if first {
		t.Fatalf("expected whitelisted caller to be suppressed")
	}
}

func TestFaultProfilerProfile(t *testing.T) {
	fp := NewFaultProfiler()
	fp.Record(EventPageFault)
	fp.Record(EventSwapIn)
	fp.Record(EventSwapOut)

	p := fp.Profile()
	if len(p.Sample) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(p.Sample))
	}
	if len(p.SampleType) != 1 || p.SampleType[0].Type != "events" {
		t.Fatalf("unexpected sample type: %+v", p.SampleType)
	}
	for _, s := range p.Sample {
		if len(s.Location) == 0 {
			t.Fatalf("expected sample to carry at least one location")
		}
	}
}
