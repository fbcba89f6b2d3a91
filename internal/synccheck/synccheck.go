//go:build synccheck || !nosynccheck

// Package synccheck implements the Sync Checker: tracks
// per-keyframe player checksums, detects desync, and escalates stale
// entries into a failover request. Compiled in by default; build with tag
// `nosynccheck` to exclude it, mirroring spec's "compiled when SYNCCHECK
// enabled" design note as a Go build tag rather than a runtime flag.
//
// No close prior art exists for cross-player checksum comparison;
// grounded on bken client.go's dgramCache ring buffer (pending-ack
// bookkeeping shape), generalized from per-sender NACK replay to
// per-keyframe cross-player checksum comparison.
package synccheck

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SyncCheckTimeout is the frame-age threshold past which a pending entry
// is treated as a desync candidate (spec default 300).
const SyncCheckTimeout = 300

// SyncCheckMsgTimeout is the averageRtt threshold (spec default 400ms)
// past which SyncCheckTimeout is dynamically inflated.
const SyncCheckMsgTimeout = 400 * time.Millisecond

// entry is the per-keyframe pending checksum map plus its open time.
type entry struct {
	checksums map[int]uint32
	openedAt  int32 // serverFrameNum at which this keyframe was opened
}

// FailoverRequester is implemented by the owner wiring C3's trigger —
// synccheck never imports internal/redundancy directly to avoid coupling
// desync detection to a specific redundancy policy.
type FailoverRequester interface {
	RequestFailover(reason string)
}

// DesyncRecorder is implemented by internal/dispatch's Dispatcher. synccheck
// depends on this narrow interface rather than the concrete type so the two
// packages stay decoupled beyond the calls they need from each other.
// ActiveNonSpectatorCount lets RecordResponse know when a keyframe entry has
// heard from every player that owes it a checksum, so it can be retired
// immediately instead of waiting to age out.
type DesyncRecorder interface {
	MarkDesync(frame int32)
	ActiveNonSpectatorCount() int
}

// Checker owns the pending-entry table for one game.
type Checker struct {
	mu      sync.Mutex
	pending map[int32]*entry

	desyncHasOccurred bool
	syncErrorFrame    int32
	syncWarningFrame  int32

	failover FailoverRequester
	desync   DesyncRecorder
	limiter  *rate.Limiter
}

// New constructs a Checker. limiter throttles how often a single misbehaving
// peer's repeated desync reports can trigger a failover request — a
// token-bucket guard against flapping (grounded on teranos-QNTX's use of
// golang.org/x/time/rate for HTTP throttling, repurposed here).
func New(failover FailoverRequester, desync DesyncRecorder) *Checker {
	return &Checker{
		pending:  make(map[int32]*entry),
		failover: failover,
		desync:   desync,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// OpenKeyframe creates a pending entry for frame F, called by
// the Frame Scheduler every ServerKeyframeInterval frames.
func (c *Checker) OpenKeyframe(frame int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[frame]; exists {
		return
	}
	c.pending[frame] = &entry{checksums: make(map[int]uint32), openedAt: frame}
}

// RecordResponse handles unpack_sync_response: records playerID's checksum
// for frame. If another player already responded for frame with a
// different checksum, desyncHasOccurred is set and syncErrorFrame = frame.
// Once every active non-spectator player has responded, the entry is
// retired immediately rather than left to age out via CheckTimeouts.
func (c *Checker) RecordResponse(frame int32, playerID int, checksum uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pending[frame]
	if !ok {
		e = &entry{checksums: make(map[int]uint32), openedAt: frame}
		c.pending[frame] = e
	}

	mismatch := false
	for _, other := range e.checksums {
		if other != checksum {
			c.desyncHasOccurred = true
			c.syncErrorFrame = frame
			mismatch = true
			break
		}
	}
	e.checksums[playerID] = checksum

	if c.desync != nil && len(e.checksums) >= c.desync.ActiveNonSpectatorCount() {
		delete(c.pending, frame)
	}

	if mismatch && c.desync != nil {
		c.desync.MarkDesync(frame)
	}
}

// effectiveTimeout computes SyncCheckTimeout, dynamically inflated when
// averageRtt exceeds SyncCheckMsgTimeout (
// "300 + rtt/10 frames").
func effectiveTimeout(averageRtt time.Duration) int32 {
	if averageRtt <= SyncCheckMsgTimeout {
		return SyncCheckTimeout
	}
	rttMs := int32(averageRtt / time.Millisecond)
	return SyncCheckTimeout + rttMs/10
}

// CheckTimeouts scans pending entries against the current serverFrameNum,
// marking stale ones as desync candidates and requesting failover (spec
// §4.8). Call once per Frame Scheduler tick.
func (c *Checker) CheckTimeouts(serverFrameNum int32, averageRtt time.Duration) {
	timeout := effectiveTimeout(averageRtt)

	c.mu.Lock()
	var stale []int32
	for f, e := range c.pending {
		if serverFrameNum-e.openedAt > timeout {
			stale = append(stale, f)
		}
	}
	for _, f := range stale {
		c.syncWarningFrame = f
		delete(c.pending, f)
	}
	needsFailover := len(stale) > 0
	c.mu.Unlock()

	if needsFailover && c.failover != nil && c.limiter.Allow() {
		c.failover.RequestFailover("sync-check timeout")
	}
}

// Reconcile runs once per Frame Scheduler tick: if a desync was recorded
// since the last call, it clears desyncHasOccurred and requests a failover
// (subject to the rate limiter). Returns whether a failover request was
// issued.
func (c *Checker) Reconcile() bool {
	c.mu.Lock()
	occurred := c.desyncHasOccurred
	c.desyncHasOccurred = false
	c.mu.Unlock()

	if !occurred {
		return false
	}
	if c.failover != nil && c.limiter.Allow() {
		c.failover.RequestFailover("desync detected")
		return true
	}
	return false
}

// SetFailoverRequester wires the redundancy-aware failover target after
// construction, since the mesh Primary connection it targets may not exist
// yet when the Checker itself is built.
func (c *Checker) SetFailoverRequester(f FailoverRequester) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failover = f
}

// State reports the desync diagnostic fields for logging/tests.
func (c *Checker) State() (desyncHasOccurred bool, syncErrorFrame, syncWarningFrame int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desyncHasOccurred, c.syncErrorFrame, c.syncWarningFrame
}

// PendingCount reports how many keyframe entries are still outstanding,
// for diagnostics/tests.
func (c *Checker) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
