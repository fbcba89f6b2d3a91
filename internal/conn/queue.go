package conn

import (
	"time"

	"github.com/dcfnet/coreserver/internal/packet"
)

// outboundCapacity / inboundCapacity match the outbound queue
// capacity of 1024; the inbound queue uses the same bound for symmetry.
const (
	outboundCapacity = 1024
	inboundCapacity  = 1024
)

// backpressureWait is how long send() spin-waits against a full outbound
// queue before dropping ("spin-wait up to 10ms, then drop and
// log").
const backpressureWait = 10 * time.Millisecond

// pending is one queued-for-send packet, tracked with its own retry state
// so update() can apply the capped backoff independently per
// packet rather than stalling the whole queue on one bad peer.
type pending struct {
	pkt      packet.RawPacket
	attempts int
	nextTry  time.Time
}

// outboundQueue is a bounded FIFO of pending sends. Access is always under
// the owning Connection's mutex; this type holds no lock of its own,
// matching the convention of one mutex per aggregate rather than
// per-field locking (bken server/room.go's Room mutex).
type outboundQueue struct {
	items []pending
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{items: make([]pending, 0, outboundCapacity)}
}

func (q *outboundQueue) full() bool { return len(q.items) >= outboundCapacity }

func (q *outboundQueue) push(p packet.RawPacket) bool {
	if q.full() {
		return false
	}
	q.items = append(q.items, pending{pkt: p})
	return true
}

func (q *outboundQueue) len() int { return len(q.items) }

// drainReady removes and returns every entry whose nextTry has elapsed,
// leaving not-yet-due entries in place.
func (q *outboundQueue) drainReady(now time.Time) []pending {
	var ready []pending
	var remain []pending
	for _, p := range q.items {
		if !p.nextTry.After(now) {
			ready = append(ready, p)
		} else {
			remain = append(remain, p)
		}
	}
	q.items = remain
	return ready
}

// requeue reinserts p (after a failed attempt) with its retry bookkeeping
// updated; the caller decides whether to requeue or drop based on
// p.attempts against the configured retry limit.
func (q *outboundQueue) requeue(p pending) {
	q.items = append(q.items, p)
}

// drainAll empties the queue unconditionally (used by flush(forced=true)).
func (q *outboundQueue) drainAll() []pending {
	items := q.items
	q.items = nil
	return items
}

// inboundQueue is a bounded FIFO of packets received off the wire, awaiting
// has_incoming/peek/next from the dispatcher.
type inboundQueue struct {
	items []packet.RawPacket
}

func newInboundQueue() *inboundQueue {
	return &inboundQueue{items: make([]packet.RawPacket, 0, inboundCapacity)}
}

func (q *inboundQueue) push(p packet.RawPacket) bool {
	if len(q.items) >= inboundCapacity {
		return false
	}
	q.items = append(q.items, p)
	return true
}

func (q *inboundQueue) hasIncoming() bool { return len(q.items) > 0 }

// peek returns up to n queued packets without removing them.
func (q *inboundQueue) peek(n int) []packet.RawPacket {
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]packet.RawPacket, n)
	copy(out, q.items[:n])
	return out
}

// next removes and returns the oldest queued packet, if any.
func (q *inboundQueue) next() (packet.RawPacket, bool) {
	if len(q.items) == 0 {
		return packet.RawPacket{}, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}
