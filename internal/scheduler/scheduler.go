// Package scheduler implements the Frame Scheduler: a
// dedicated-goroutine tick loop driving lockstep frame generation,
// keyframe cadence, pause, and speed control.
//
// Grounded on bken server/metrics.go's RunMetrics ticker-loop shape,
// generalized from a 5s metrics cadence to the 5ms simulation cadence spec
// §4.7 calls for.
package scheduler

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/dcfnet/coreserver/internal/dispatch"
	"github.com/dcfnet/coreserver/internal/model"
	"github.com/dcfnet/coreserver/internal/packet"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// ServerSleepTime is the tick loop period (spec default 5ms).
const ServerSleepTime = 5 * time.Millisecond

// ServerKeyframeInterval is the frame cadence at which keyframes are
// broadcast and a new sync-check entry is opened (spec default 16).
const ServerKeyframeInterval = 16

// cpuBroadcastInterval / bandwidthStatsInterval are the cadence steps
// 4/5 cadences.
const (
	cpuBroadcastInterval   = 1 * time.Second
	bandwidthStatsInterval = 5 * time.Second
)

// SpeedMode selects the UpdateSpeedControl aggregation.
type SpeedMode int

const (
	SpeedModeAverage SpeedMode = 1
	SpeedModeMax     SpeedMode = 2
)

// Connection is the narrow surface the scheduler needs from each
// participant's connection: draining inbound packets only. Outbound traffic
// (keyframes, speed/pause broadcasts) goes through Dispatcher.Broadcast
// instead, which already holds the live connection set.
type Connection interface {
	HasIncoming() bool
	Next() (packet.RawPacket, bool)
}

// KeyframeOpener is implemented by internal/synccheck; the scheduler opens
// a pending entry every keyframe, checks stale entries for timeout
// escalation, and reconciles desync flags once per tick, all without
// knowing synccheck's internals.
type KeyframeOpener interface {
	OpenKeyframe(frame int32)
	CheckTimeouts(serverFrameNum int32, averageRtt time.Duration)
	Reconcile() bool
}

// Config carries the speed-control tunables as per-instance state rather
// than compile constants (min/max user speed, pausability).
type Config struct {
	MinUserSpeed float64
	MaxUserSpeed float64
	GamePausable bool
	SpeedMode    SpeedMode
}

// Scheduler drives the lockstep simulation clock for one game.
type Scheduler struct {
	clock      *model.ServerClock
	dispatcher *dispatch.Dispatcher
	conns      func() map[int]Connection // live connections by player slot, resolved each tick
	opener     KeyframeOpener
	log        *zap.Logger
	cfg        Config

	isPaused  bool
	reloading bool

	userSpeedFactor float64
	averageRtt      time.Duration

	lastCPUBroadcast    time.Time
	lastBandwidthReport time.Time

	gameHasStarted bool
	readyTime      time.Time

	quitServer bool
}

// StartGame marks the game as begun as of now; the game-end predicate is
// inert until this is called (spec Open Question resolution: a predicate
// that fires on an empty pre-game lobby would immediately end every game
// before it starts).
func (s *Scheduler) StartGame(now time.Time) {
	s.gameHasStarted = true
	s.readyTime = now
}

// QuitRequested reports whether the tick loop decided to end the game.
func (s *Scheduler) QuitRequested() bool { return s.quitServer }

// New constructs a Scheduler. connsFn is called once per tick to obtain the
// currently live set of per-slot connections (the dispatcher owns
// Participant.Connection; the caller adapts it into this narrow view).
func New(clock *model.ServerClock, d *dispatch.Dispatcher, connsFn func() map[int]Connection, opener KeyframeOpener, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.MinUserSpeed == 0 {
		cfg.MinUserSpeed = 0.1
	}
	if cfg.MaxUserSpeed == 0 {
		cfg.MaxUserSpeed = 2.0
	}
	return &Scheduler{
		clock:           clock,
		dispatcher:      d,
		conns:           connsFn,
		opener:          opener,
		log:             log,
		cfg:             cfg,
		userSpeedFactor: 1.0,
	}
}

// Run drives the tick loop until ctx is cancelled or the game-end predicate
// fires.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(ServerSleepTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
			if s.quitServer {
				return
			}
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.drainInbound()

	if !s.gameHasStarted && s.dispatcher.ActiveNonSpectatorCount() > 0 {
		s.StartGame(now)
	}

	if !s.isPaused && !s.reloading {
		s.clock.Advance(ServerSleepTime)

		if s.clock.ServerFrameNum >= 0 && s.clock.ServerFrameNum%ServerKeyframeInterval == 0 {
			s.broadcastKeyframe()
		}
	}

	if now.Sub(s.lastCPUBroadcast) >= cpuBroadcastInterval {
		s.lastCPUBroadcast = now
		s.broadcastCPUUsage()
	}
	if now.Sub(s.lastBandwidthReport) >= bandwidthStatsInterval {
		s.lastBandwidthReport = now
		s.emitBandwidthStats()
	}

	if s.opener != nil {
		s.opener.CheckTimeouts(s.clock.ServerFrameNum, s.averageRtt)
		s.opener.Reconcile()
	}

	if s.gameEndPredicate() {
		s.quitServer = true
	}
}

func (s *Scheduler) drainInbound() {
	if s.conns == nil {
		return
	}
	for playerNum, c := range s.conns() {
		for c.HasIncoming() {
			p, ok := c.Next()
			if !ok {
				break
			}
			_ = s.dispatcher.Dispatch(playerNum, p, nil)
		}
	}
}

func (s *Scheduler) broadcastKeyframe() {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(s.clock.ServerFrameNum))
	p, err := packet.New(packet.TagKeyframe, payload)
	if err != nil {
		return
	}
	s.dispatcher.Broadcast(p)
	if s.opener != nil {
		s.opener.OpenKeyframe(s.clock.ServerFrameNum)
	}
}

// broadcastCPUUsage computes the average/max over active participants'
// self-reported cpuUsage, folding in the server process's own CPU sample
// (via gopsutil) as an additional data point, per SPEC_FULL.md §4.7: the
// server has no way to read a remote client's CPU directly, so gopsutil
// only ever samples the local process, never a peer.
func (s *Scheduler) broadcastCPUUsage() {
	participants := s.dispatcher.DumpState()
	samples := make([]float64, 0, len(participants)+1)
	for _, p := range participants {
		samples = append(samples, p.CPUUsage)
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		samples = append(samples, pct[0]/100)
	}
	if len(samples) == 0 {
		return
	}

	var agg float64
	switch s.cfg.SpeedMode {
	case SpeedModeMax:
		for _, v := range samples {
			if v > agg {
				agg = v
			}
		}
	default:
		var sum float64
		for _, v := range samples {
			sum += v
		}
		agg = sum / float64(len(samples))
	}

	s.UpdateSpeedControl(agg)
}

// UpdateSpeedControl applies the speed-control formula: the RTT throttle
// adjusts userSpeedFactor first, then the aggregated CPU usage (mean or max
// over active players, per SpeedMode) becomes the new internalSpeed,
// clamped to the (possibly just-updated) userSpeedFactor ceiling so the
// internalSpeed ≤ userSpeedFactor invariant never breaks.
func (s *Scheduler) UpdateSpeedControl(cpuAggregate float64) {
	if s.averageRtt > 50*time.Millisecond {
		rttMs := float64(s.averageRtt) / float64(time.Millisecond)
		next := clamp(s.userSpeedFactor*50/rttMs, s.cfg.MinUserSpeed, s.cfg.MaxUserSpeed)
		if next != s.userSpeedFactor {
			s.userSpeedFactor = next
			s.broadcastUserSpeed()
		}
	}
	s.InternalSpeedChange(clamp(cpuAggregate, s.cfg.MinUserSpeed, s.userSpeedFactor))
}

func (s *Scheduler) broadcastUserSpeed() {
	payload := make([]byte, 8)
	bits := math.Float64bits(s.userSpeedFactor)
	binary.BigEndian.PutUint64(payload, bits)
	p, err := packet.New(packet.TagUserSpeed, payload)
	if err != nil {
		return
	}
	s.dispatcher.Broadcast(p)
}

// InternalSpeedChange sets and broadcasts a new simulation speed; a no-op
// if v matches the current value.
func (s *Scheduler) InternalSpeedChange(v float64) {
	if s.clock.InternalSpeed == v {
		return
	}
	s.clock.InternalSpeed = v
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, math.Float64bits(v))
	p, err := packet.New(packet.TagInternalSpeed, payload)
	if err != nil {
		return
	}
	s.dispatcher.Broadcast(p)
}

// SetAverageRtt feeds a fresh RTT measurement into the speed controller.
func (s *Scheduler) SetAverageRtt(rtt time.Duration) { s.averageRtt = rtt }

// PauseGame toggles pause state, ignored unless the game is pausable and
// the requested state actually differs from the current one.
func (s *Scheduler) PauseGame(on bool, fromServer bool) {
	if !s.cfg.GamePausable || s.isPaused == on {
		return
	}
	s.isPaused = on
	state := byte(0)
	if on {
		state = 1
	}
	source := byte(0)
	if fromServer {
		source = 1
	}
	p, err := packet.New(packet.TagPause, []byte{state, source})
	if err != nil {
		return
	}
	s.dispatcher.Broadcast(p)
}

func (s *Scheduler) emitBandwidthStats() {
	if s.log == nil {
		return
	}
	s.log.Debug("bandwidth stats tick", zap.Int32("frame", s.clock.ServerFrameNum))
}

// gameEndPredicate reports whether fewer than two distinct ally teams
// remain active ("no active teams or all remaining are
// one ally-team"). Gated on gameHasStarted/readyTime per the Open Question
// resolution in DESIGN.md: the predicate never fires before the game has
// actually begun, or every fresh lobby would instantly "end".
func (s *Scheduler) gameEndPredicate() bool {
	if !s.gameHasStarted || s.readyTime.IsZero() {
		return false
	}
	return len(s.dispatcher.ActiveAllyTeams()) < 2
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
