// Package redundancy implements the Redundancy Manager: groups
// known peers by measured RTT, picks the current primary path, and triggers
// failover after a run of consecutive send failures.
package redundancy

import (
	"sort"
	"sync"
	"time"
)

// GroupRTTThreshold is the boundary between the low-latency group and the
// secondary group (spec default 50ms).
const GroupRTTThreshold = 50 * time.Millisecond

// FailoverThreshold is the number of consecutive send failures against the
// current primary that triggers trigger_failover (spec: N=5).
const FailoverThreshold = 5

// ReprobeInterval is how often a degraded peer is re-measured to see if it
// has recovered (spec: every 5s).
const ReprobeInterval = 5 * time.Second

// Group classifies a peer by its most recently measured RTT.
type Group int

const (
	GroupLowLatency Group = iota
	GroupSecondary
	GroupDegraded
)

func (g Group) String() string {
	switch g {
	case GroupLowLatency:
		return "low-latency"
	case GroupSecondary:
		return "secondary"
	case GroupDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// peerState tracks everything the manager needs about one known peer,
// generalized from cppla-moto's single-shot dial-then-fallback decision
// (controller/roundrobin.go: HandleRoundrobin falling back to HandleBoost
// on dial failure) into a standing table with periodic re-probing.
type peerState struct {
	name             string
	rtt              time.Duration
	group            Group
	consecutiveFails int
	lastProbe        time.Time
	degradedSince    time.Time
}

// Manager is safe for concurrent use; C4 (Connection) reports send outcomes
// and C3 (this package) is consulted for the current primary path.
type Manager struct {
	mu      sync.Mutex
	peers   map[string]*peerState
	primary string
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{peers: make(map[string]*peerState)}
}

// Observe records a fresh RTT measurement for name (e.g. from a sync-check
// round trip or an explicit probe) and reclassifies it into a group.
func (m *Manager) Observe(name string, rtt time.Duration, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[name]
	if !ok {
		p = &peerState{name: name}
		m.peers[name] = p
	}
	p.rtt = rtt
	p.lastProbe = now
	if rtt < GroupRTTThreshold {
		p.group = GroupLowLatency
	} else {
		p.group = GroupSecondary
	}
	if p.group != GroupDegraded {
		p.consecutiveFails = 0
	}
	m.recomputePrimaryLocked()
}

// RecordFailure notes a failed send to name. After FailoverThreshold
// consecutive failures, the peer is marked degraded and a failover is
// triggered: the caller's next Primary() call returns the next-best peer.
// Returns true if this call caused a failover.
func (m *Manager) RecordFailure(name string, now time.Time) (failedOver bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[name]
	if !ok {
		return false
	}
	p.consecutiveFails++
	if p.consecutiveFails < FailoverThreshold || p.group == GroupDegraded {
		return false
	}
	p.group = GroupDegraded
	p.degradedSince = now
	p.consecutiveFails = 0
	m.recomputePrimaryLocked()
	return true
}

// ForceFailover immediately degrades name regardless of its failure count,
// for callers outside the send path (e.g. internal/synccheck escalating a
// desync or stale-keyframe timeout into a failover request.
// Returns true if this call changed the primary.
func (m *Manager) ForceFailover(name string, now time.Time) (changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[name]
	if !ok || p.group == GroupDegraded {
		return false
	}
	prev := m.primary
	p.group = GroupDegraded
	p.degradedSince = now
	p.consecutiveFails = 0
	m.recomputePrimaryLocked()
	return m.primary != prev
}

// RecordSuccess resets the peer's consecutive-failure count (a successful
// send implies the path is currently usable).
func (m *Manager) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[name]; ok {
		p.consecutiveFails = 0
	}
}

// DueForReprobe returns the names of degraded peers whose ReprobeInterval
// has elapsed as of now; the caller (C3's owner) should re-measure RTT to
// these and call Observe with the result.
func (m *Manager) DueForReprobe(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []string
	for name, p := range m.peers {
		if p.group == GroupDegraded && now.Sub(p.degradedSince) >= ReprobeInterval {
			due = append(due, name)
		}
	}
	sort.Strings(due)
	return due
}

// Primary returns the name of the current primary path and whether one is
// available at all.
func (m *Manager) Primary() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary, m.primary != ""
}

// recomputePrimaryLocked picks the lowest-RTT peer in the low-latency group,
// falling back to the lowest-RTT secondary peer if the low-latency group is
// empty. Degraded peers are never eligible. Must be called with m.mu held.
func (m *Manager) recomputePrimaryLocked() {
	var bestLow, bestSecondary *peerState
	for _, p := range m.peers {
		switch p.group {
		case GroupLowLatency:
			if bestLow == nil || p.rtt < bestLow.rtt {
				bestLow = p
			}
		case GroupSecondary:
			if bestSecondary == nil || p.rtt < bestSecondary.rtt {
				bestSecondary = p
			}
		}
	}
	switch {
	case bestLow != nil:
		m.primary = bestLow.name
	case bestSecondary != nil:
		m.primary = bestSecondary.name
	default:
		m.primary = ""
	}
}

// GroupOf reports the current group classification of name, for diagnostics.
func (m *Manager) GroupOf(name string) (Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[name]
	if !ok {
		return 0, false
	}
	return p.group, true
}
