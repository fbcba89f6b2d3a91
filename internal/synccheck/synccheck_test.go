package synccheck

import (
	"testing"
	"time"
)

type fakeDesync struct {
	frame    int32
	recorded bool
	count    int
}

func (f *fakeDesync) MarkDesync(frame int32) {
	f.frame = frame
	f.recorded = true
}

func (f *fakeDesync) ActiveNonSpectatorCount() int { return f.count }

type fakeFailover struct {
	reasons []string
}

func (f *fakeFailover) RequestFailover(reason string) {
	f.reasons = append(f.reasons, reason)
}

func TestRecordResponseNoMismatchSameChecksum(t *testing.T) {
	d := &fakeDesync{count: 2}
	c := New(nil, d)

	c.OpenKeyframe(16)
	c.RecordResponse(16, 0, 0xABCD)
	c.RecordResponse(16, 1, 0xABCD)

	if d.recorded {
		t.Fatal("expected no desync when all checksums match")
	}
	occurred, _, _ := c.State()
	if occurred {
		t.Fatal("desyncHasOccurred should remain false")
	}
}

func TestRecordResponseMismatchMarksDesync(t *testing.T) {
	d := &fakeDesync{count: 2}
	c := New(nil, d)

	c.OpenKeyframe(32)
	c.RecordResponse(32, 0, 0x1111)
	c.RecordResponse(32, 1, 0x2222)

	if !d.recorded || d.frame != 32 {
		t.Fatalf("expected MarkDesync(32), got recorded=%v frame=%d", d.recorded, d.frame)
	}
	occurred, errFrame, _ := c.State()
	if !occurred || errFrame != 32 {
		t.Fatalf("State() = occurred=%v errFrame=%d, want true/32", occurred, errFrame)
	}
}

func TestEffectiveTimeoutInflatesAboveRttThreshold(t *testing.T) {
	if got := effectiveTimeout(100 * time.Millisecond); got != SyncCheckTimeout {
		t.Fatalf("effectiveTimeout(100ms) = %d, want %d (no inflation below threshold)", got, SyncCheckTimeout)
	}
	got := effectiveTimeout(500 * time.Millisecond)
	want := int32(SyncCheckTimeout + 50)
	if got != want {
		t.Fatalf("effectiveTimeout(500ms) = %d, want %d", got, want)
	}
}

func TestCheckTimeoutsRequestsFailoverOnStaleEntry(t *testing.T) {
	fo := &fakeFailover{}
	c := New(fo, nil)
	c.OpenKeyframe(0)

	c.CheckTimeouts(SyncCheckTimeout+1, 0)

	if len(fo.reasons) != 1 {
		t.Fatalf("expected exactly one failover request, got %d", len(fo.reasons))
	}
	if c.PendingCount() != 0 {
		t.Fatal("stale entry should have been evicted")
	}
}

func TestCheckTimeoutsIgnoresFreshEntry(t *testing.T) {
	fo := &fakeFailover{}
	c := New(fo, nil)
	c.OpenKeyframe(100)

	c.CheckTimeouts(150, 0)

	if len(fo.reasons) != 0 {
		t.Fatal("expected no failover request for a fresh entry")
	}
	if c.PendingCount() != 1 {
		t.Fatal("fresh entry should remain pending")
	}
}

func TestReconcileClearsDesyncFlagAndRequestsFailoverOnce(t *testing.T) {
	fo := &fakeFailover{}
	c := New(fo, nil)
	c.OpenKeyframe(8)
	c.RecordResponse(8, 0, 1)
	c.RecordResponse(8, 1, 2)

	if !c.Reconcile() {
		t.Fatal("expected Reconcile to report a failover request")
	}
	if c.Reconcile() {
		t.Fatal("expected Reconcile to be a no-op once desyncHasOccurred is cleared")
	}
	if len(fo.reasons) != 1 {
		t.Fatalf("expected exactly one failover request, got %d", len(fo.reasons))
	}
}

func TestRecordResponseRetiresEntryOnceAllActivePlayersReplied(t *testing.T) {
	d := &fakeDesync{count: 2}
	c := New(nil, d)

	c.OpenKeyframe(64)
	c.RecordResponse(64, 0, 0xFEED)
	if c.PendingCount() != 1 {
		t.Fatal("entry should remain pending until both active players have replied")
	}

	c.RecordResponse(64, 1, 0xFEED)
	if c.PendingCount() != 0 {
		t.Fatal("entry should be retired once every active non-spectator player has replied")
	}
}

func TestOpenKeyframeIdempotent(t *testing.T) {
	c := New(nil, nil)
	c.OpenKeyframe(16)
	c.RecordResponse(16, 0, 42)
	c.OpenKeyframe(16) // must not clobber the already-recorded checksum

	c.RecordResponse(16, 1, 43)
	occurred, _, _ := c.State()
	if !occurred {
		t.Fatal("expected mismatch to be detected against the checksum recorded before the duplicate OpenKeyframe call")
	}
}
