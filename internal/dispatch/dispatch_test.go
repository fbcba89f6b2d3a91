package dispatch

import (
	"testing"

	"github.com/dcfnet/coreserver/internal/packet"
)

// fakeConn is an in-memory model.Connection double for dispatch tests.
type fakeConn struct {
	sent   [][]byte
	closed bool
}

func (f *fakeConn) Send(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeConn) Close(flush bool) error {
	f.closed = true
	return nil
}

func TestAddLocalClientSeatsSlotZero(t *testing.T) {
	d := New(Config{}, nil, nil)
	c := &fakeConn{}
	d.AddLocalClient("host", 0, c)

	p, ok := d.Participant(0)
	if !ok || !p.Active || p.Name != "host" {
		t.Fatalf("participant 0 = %+v, ok=%v", p, ok)
	}
}

func TestAddAdditionalUserAcceptedBroadcastsAndReplaysCache(t *testing.T) {
	d := New(Config{}, nil, nil)
	host := &fakeConn{}
	d.AddLocalClient("host", 0, host)

	seed, _ := packet.New(packet.TagChat, []byte{0, 0, 0, 1, 0xFF})
	d.Broadcast(seed)

	joiner := &fakeConn{}
	if err := d.AddAdditionalUser(1, false, 0, "alice", joiner); err != nil {
		t.Fatalf("add additional user: %v", err)
	}

	p, ok := d.Participant(1)
	if !ok || p.Name != "alice" {
		t.Fatalf("participant 1 = %+v, ok=%v", p, ok)
	}
	if !d.teams[0].Active {
		t.Fatalf("team 0 should be active")
	}

	if len(joiner.sent) == 0 {
		t.Fatal("expected packet cache to be replayed to joiner")
	}
	if len(host.sent) == 0 {
		t.Fatal("expected host to receive broadcast echo of the join")
	}

	// The cached packet must reach the joiner before the live
	// CREATE_NEWPLAYER echo generated by this same join.
	if got := joiner.sent[0][0]; got != packet.TagChat {
		t.Fatalf("joiner's first packet had tag %d, want cached TagChat (%d) ahead of the live echo", got, packet.TagChat)
	}
	foundEcho := false
	for _, b := range joiner.sent {
		if b[0] == packet.TagCreateNewPlayer {
			foundEcho = true
		}
	}
	if !foundEcho {
		t.Fatal("expected joiner to also receive the CREATE_NEWPLAYER echo after the cache replay")
	}
}

func TestSpectatorRejectedWhenNotAllowed(t *testing.T) {
	d := New(Config{AllowSpecJoin: false, WhiteListAdditionalPlayers: false}, nil, nil)
	c := &fakeConn{}

	err := d.AddAdditionalUser(1, true, 0, "bob", c)
	if err == nil {
		t.Fatal("expected spectator join to be rejected")
	}
	if len(c.sent) != 1 {
		t.Fatalf("expected exactly one REJECT packet sent, got %d", len(c.sent))
	}
	if c.sent[0][0] != packet.TagReject {
		t.Fatalf("tag = %d, want TagReject", c.sent[0][0])
	}
}

func TestAddAdditionalUserRejectedAtMaxPlayers(t *testing.T) {
	d := New(Config{AllowSpecJoin: true, MaxPlayers: 2}, nil, nil)
	host := &fakeConn{}
	d.AddLocalClient("host", 0, host)

	second := &fakeConn{}
	if err := d.AddAdditionalUser(1, false, 0, "alice", second); err != nil {
		t.Fatalf("add second user: %v", err)
	}

	third := &fakeConn{}
	err := d.AddAdditionalUser(2, false, 0, "bob", third)
	if err == nil {
		t.Fatal("expected join beyond max_players to be rejected")
	}
	if len(third.sent) != 1 || third.sent[0][0] != packet.TagReject {
		t.Fatalf("expected a REJECT packet for the over-cap joiner, got %+v", third.sent)
	}
	if p, ok := d.Participant(2); ok && p.Active {
		t.Fatal("slot 2 should not have been seated")
	}
}

func TestRejectedConnectionsEscalateAfterThreshold(t *testing.T) {
	d := New(Config{}, nil, nil)
	for i := 0; i < maxRejectedAttempts+2; i++ {
		c := &fakeConn{}
		_ = d.AddAdditionalUser(1, true, 0, "bob", c)
	}
	d.mu.RLock()
	count := d.rejectedConnections["bob"]
	d.mu.RUnlock()
	if count <= maxRejectedAttempts {
		t.Fatalf("rejectedConnections[bob] = %d, want > %d", count, maxRejectedAttempts)
	}
}

func TestBroadcastSkipsInactiveAndConnectionlessSlots(t *testing.T) {
	d := New(Config{}, nil, nil)
	c := &fakeConn{}
	d.AddLocalClient("host", 0, c)

	p, _ := packet.New(packet.TagChat, []byte("hi"))
	d.Broadcast(p)

	if len(c.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(c.sent))
	}
}

func TestHandleFrameProgressUpdatesParticipant(t *testing.T) {
	d := New(Config{}, nil, nil)
	d.AddLocalClient("host", 0, &fakeConn{})
	d.HandleFrameProgress(0, 42)

	p, _ := d.Participant(0)
	if p.LastFrameResponse != 42 {
		t.Fatalf("LastFrameResponse = %d, want 42", p.LastFrameResponse)
	}
}

func TestMarkDesyncRecordsFrame(t *testing.T) {
	d := New(Config{}, nil, nil)
	d.MarkDesync(160)
	occurred, frame := d.DesyncState()
	if !occurred || frame != 160 {
		t.Fatalf("occurred=%v frame=%d, want true/160", occurred, frame)
	}
}

func TestAcquireAndReleaseSkirmishAI(t *testing.T) {
	d := New(Config{}, nil, nil)
	id, err := d.AcquireSkirmishAI(0, "bot")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	d.ReleaseSkirmishAI(id)
	id2, err := d.AcquireSkirmishAI(0, "bot2")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if id2 != id {
		t.Fatalf("expected released id %d to be reused, got %d", id, id2)
	}
}

func TestRemoveParticipantDeactivatesEmptyTeam(t *testing.T) {
	d := New(Config{}, nil, nil)
	d.AddLocalClient("host", 0, &fakeConn{})
	d.RemoveParticipant(0, "quit")

	if _, ok := d.Participant(0); ok {
		t.Fatal("participant 0 should no longer be active")
	}
	if d.teams[0].Active {
		t.Fatal("team 0 should be deactivated once its last member leaves")
	}
}
