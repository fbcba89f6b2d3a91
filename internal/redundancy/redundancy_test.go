package redundancy

import (
	"testing"
	"time"
)

func TestObserveClassifiesAndPicksLowestRTTPrimary(t *testing.T) {
	m := New()
	now := time.Unix(0, 0)

	m.Observe("a", 80*time.Millisecond, now)
	m.Observe("b", 30*time.Millisecond, now)
	m.Observe("c", 45*time.Millisecond, now)

	primary, ok := m.Primary()
	if !ok {
		t.Fatal("expected a primary to be selected")
	}
	if primary != "b" {
		t.Fatalf("primary = %q, want %q", primary, "b")
	}

	if g, _ := m.GroupOf("a"); g != GroupSecondary {
		t.Fatalf("a group = %v, want secondary", g)
	}
	if g, _ := m.GroupOf("b"); g != GroupLowLatency {
		t.Fatalf("b group = %v, want low-latency", g)
	}
}

func TestFailoverAfterThresholdFailures(t *testing.T) {
	m := New()
	now := time.Unix(0, 0)
	m.Observe("primary", 10*time.Millisecond, now)
	m.Observe("backup", 20*time.Millisecond, now)

	var failedOver bool
	for i := 0; i < FailoverThreshold; i++ {
		failedOver = m.RecordFailure("primary", now)
	}
	if !failedOver {
		t.Fatal("expected failover to trigger on the Nth consecutive failure")
	}

	if g, _ := m.GroupOf("primary"); g != GroupDegraded {
		t.Fatalf("primary group = %v, want degraded", g)
	}
	if p, _ := m.Primary(); p != "backup" {
		t.Fatalf("primary after failover = %q, want %q", p, "backup")
	}
}

func TestRecordSuccessResetsFailureCount(t *testing.T) {
	m := New()
	now := time.Unix(0, 0)
	m.Observe("a", 10*time.Millisecond, now)

	for i := 0; i < FailoverThreshold-1; i++ {
		m.RecordFailure("a", now)
	}
	m.RecordSuccess("a")
	failedOver := m.RecordFailure("a", now)
	if failedOver {
		t.Fatal("failure count should have been reset by RecordSuccess")
	}
}

func TestDueForReprobeAfterInterval(t *testing.T) {
	m := New()
	start := time.Unix(0, 0)
	m.Observe("a", 10*time.Millisecond, start)

	for i := 0; i < FailoverThreshold; i++ {
		m.RecordFailure("a", start)
	}

	if due := m.DueForReprobe(start); len(due) != 0 {
		t.Fatalf("expected nothing due immediately after degrading, got %v", due)
	}

	later := start.Add(ReprobeInterval)
	due := m.DueForReprobe(later)
	if len(due) != 1 || due[0] != "a" {
		t.Fatalf("due = %v, want [a]", due)
	}
}

func TestPrimaryFalseWhenNoPeersKnown(t *testing.T) {
	m := New()
	if _, ok := m.Primary(); ok {
		t.Fatal("expected no primary with an empty peer table")
	}
}
