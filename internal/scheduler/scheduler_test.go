package scheduler

import (
	"testing"
	"time"

	"github.com/dcfnet/coreserver/internal/dispatch"
	"github.com/dcfnet/coreserver/internal/model"
)

type fakeOpener struct{ frames []int32 }

func (f *fakeOpener) OpenKeyframe(frame int32) { f.frames = append(f.frames, frame) }
func (f *fakeOpener) CheckTimeouts(int32, time.Duration) {}
func (f *fakeOpener) Reconcile() bool            { return false }

type fakeConn struct{ sent [][]byte }

func (f *fakeConn) Send(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeConn) Close(bool) error { return nil }

func newScheduler(t *testing.T, opener KeyframeOpener) (*Scheduler, *dispatch.Dispatcher) {
	t.Helper()
	d := dispatch.New(dispatch.Config{}, nil, nil)
	clock := model.NewServerClock(1.0)
	s := New(clock, d, nil, opener, Config{GamePausable: true}, nil)
	return s, d
}

func TestKeyframeBroadcastAtIntervalOnly(t *testing.T) {
	opener := &fakeOpener{}
	s, d := newScheduler(t, opener)
	c := &fakeConn{}
	d.AddLocalClient("host", 0, c)

	now := time.Now()
	for i := 0; i < ServerKeyframeInterval*2+1; i++ {
		s.tick(now)
		now = now.Add(ServerSleepTime)
	}

	if len(opener.frames) != 3 {
		t.Fatalf("expected keyframes opened at frame 0, 16, 32 — got %v", opener.frames)
	}
	for i, f := range opener.frames {
		want := int32(i * ServerKeyframeInterval)
		if f != want {
			t.Fatalf("frame[%d] = %d, want %d", i, f, want)
		}
	}
}

func TestPauseGameNoOpWhenNotPausable(t *testing.T) {
	d := dispatch.New(dispatch.Config{}, nil, nil)
	clock := model.NewServerClock(1.0)
	s := New(clock, d, nil, nil, Config{GamePausable: false}, nil)

	s.PauseGame(true, true)
	if s.isPaused {
		t.Fatal("pause should be a no-op when GamePausable is false")
	}
}

func TestPauseGameTogglesAndBroadcasts(t *testing.T) {
	s, d := newScheduler(t, nil)
	c := &fakeConn{}
	d.AddLocalClient("host", 0, c)

	s.PauseGame(true, true)
	if !s.isPaused {
		t.Fatal("expected isPaused=true after PauseGame(true, ...)")
	}
	if len(c.sent) != 1 {
		t.Fatalf("expected one pause packet broadcast, got %d", len(c.sent))
	}

	before := len(c.sent)
	s.PauseGame(true, true)
	if len(c.sent) != before {
		t.Fatal("expected no broadcast when pause state is unchanged")
	}
}

func TestUpdateSpeedControlAppliesRTTThrottleFormula(t *testing.T) {
	s, d := newScheduler(t, nil)
	c := &fakeConn{}
	d.AddLocalClient("host", 0, c)

	s.cfg.MinUserSpeed = 0.1
	s.cfg.MaxUserSpeed = 2.0
	s.userSpeedFactor = 1.0
	s.SetAverageRtt(200 * time.Millisecond)

	s.UpdateSpeedControl(0)

	want := 0.25
	if diff := s.userSpeedFactor - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("userSpeedFactor = %v, want %v", s.userSpeedFactor, want)
	}
}

func TestGameEndPredicateInertBeforeGameStarts(t *testing.T) {
	s, _ := newScheduler(t, nil)
	if s.gameEndPredicate() {
		t.Fatal("predicate must not fire before StartGame is called")
	}
}

func TestGameEndPredicateFiresWithFewerThanTwoAllyTeams(t *testing.T) {
	s, d := newScheduler(t, nil)
	d.AddLocalClient("host", 0, &fakeConn{})
	s.StartGame(time.Now())

	if !s.gameEndPredicate() {
		t.Fatal("expected predicate to fire with only one active ally team")
	}
}

func TestInternalSpeedChangeNoOpWhenUnchanged(t *testing.T) {
	s, d := newScheduler(t, nil)
	c := &fakeConn{}
	d.AddLocalClient("host", 0, c)

	s.InternalSpeedChange(1.0) // ServerClock starts with InternalSpeed 1.0
	if len(c.sent) != 0 {
		t.Fatal("expected no broadcast when internal speed is unchanged")
	}
	s.InternalSpeedChange(2.0)
	if len(c.sent) != 1 {
		t.Fatal("expected one broadcast when internal speed changes")
	}
}
