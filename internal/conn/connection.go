// Package conn implements the Connection abstraction: a
// per-peer channel with an outbound retry queue, an inbound queue, metrics,
// and reconnect support. Two concrete variants are provided: Primary (backed
// by a transport.Plugin chosen through the Redundancy Manager) and Fallback
// (a single UDP socket, no redundancy).
package conn

import (
	"net"
	"sync"
	"time"

	"github.com/dcfnet/coreserver/internal/errcat"
	"github.com/dcfnet/coreserver/internal/packet"
	"github.com/dcfnet/coreserver/internal/transport"
	"go.uber.org/zap"
)

// State is the Connection lifecycle state machine (spec design note:
// Created → Initialized → Running ⇄ Degraded → Closing → Closed).
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxSendAttempts is the total number of send attempts (the first send plus
// retries) made for one packet before it is dropped; only timeout and
// network-down failures count as attempts.
const maxSendAttempts = 3

// backoffCap bounds the per-attempt backoff, which grows linearly by 100ms
// per failed attempt (min(100*attempt, 500) ms; grounded on cppla-moto's
// HandleBoost retry shape).
const backoffCap = 500 * time.Millisecond

// reconnectFailureThreshold: once failedSendAttempts exceeds this, the
// connection is eligible for reconnect() (mirroring can_reconnect()).
const reconnectFailureThreshold = 10

// metricsInterval is the emit cadence used by update() (every
// 2-5s); we use the low end.
const metricsInterval = 2 * time.Second

// Connection is the concrete type behind model.Connection. variant is
// "primary" or "fallback", used only for metric labeling.
type Connection struct {
	id      uint64
	variant string
	log     *zap.Logger

	plugin transport.Plugin
	target string

	mu          sync.Mutex
	state       State
	out         *outboundQueue
	in          *inboundQueue
	metrics     *Metrics
	lastEmit    time.Time
	lastRTTPing time.Time

	collector *Collector
}

func newConnection(variant string, plugin transport.Plugin, target string, log *zap.Logger) *Connection {
	return &Connection{
		id:      nextConnID(),
		variant: variant,
		log:     log,
		plugin:  plugin,
		target:  target,
		state:   StateCreated,
		out:     newOutboundQueue(),
		in:      newInboundQueue(),
		metrics: &Metrics{},
	}
}

// ID is a process-unique identifier, used for Collector labeling.
func (c *Connection) ID() uint64 { return c.id }

// SetCollector registers this connection with a Collector so its metrics
// are exported on the next Collect() scrape, and arranges for it to
// unregister itself on Close. A nil collector is a no-op, so callers that
// don't run the admin metrics surface need not special-case this.
func (c *Connection) SetCollector(collector *Collector) {
	if collector == nil {
		return
	}
	c.collector = collector
	collector.Add(c)
}

// SetTarget updates the peer address/URL passed to the transport plugin's
// Send. Used once a peer's actual bound address becomes known (e.g. after
// an ephemeral-port bind) or when the Redundancy Manager reroutes.
func (c *Connection) SetTarget(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
}

// localAddrer is satisfied by transport plugins that can report their bound
// local address (currently only the UDP plugin).
type localAddrer interface {
	LocalAddr() net.Addr
}

// LocalAddr reports the underlying transport's bound local address, or nil
// if the plugin doesn't expose one.
func (c *Connection) LocalAddr() net.Addr {
	if la, ok := c.plugin.(localAddrer); ok {
		return la.LocalAddr()
	}
	return nil
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.state = s
}

// initialize transitions Created → Initialized once the transport plugin is
// bound and ready; called by the Primary/Fallback constructors after Setup
// succeeds.
func (c *Connection) initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateCreated {
		c.setState(StateInitialized)
	}
}

// markRunning transitions Initialized/Degraded → Running.
func (c *Connection) markRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateInitialized, StateDegraded:
		c.setState(StateRunning)
	}
}

// markDegraded transitions Running → Degraded (called when failedSendAttempts
// crosses reconnectFailureThreshold).
func (c *Connection) markDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		c.setState(StateDegraded)
	}
}

// Send enqueues a packet for outbound delivery. Non-blocking: on a full
// queue it spin-waits up to backpressureWait, then drops and logs (spec
// §4.4).
func (c *Connection) Send(data []byte) error {
	p, err := packet.Wrap(data)
	if err != nil {
		return errcat.Wrap(err, errcat.PacketInvalid, "conn: wrap outbound payload")
	}
	return c.enqueue(p)
}

func (c *Connection) enqueue(p packet.RawPacket) error {
	deadline := time.Now().Add(backpressureWait)
	for {
		c.mu.Lock()
		if c.out.push(p) {
			c.mu.Unlock()
			return nil
		}
		full := c.out.full()
		c.mu.Unlock()
		if !full || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if c.log != nil {
		c.log.Warn("outbound queue full, dropping packet",
			zap.Uint64("connection_id", c.id), zap.String("variant", c.variant))
	}
	return errcat.New(errcat.SendOther, "conn: outbound queue full, packet dropped")
}

// HasIncoming reports whether at least one packet is queued for delivery to
// the dispatcher.
func (c *Connection) HasIncoming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.hasIncoming()
}

// Peek returns up to n queued inbound packets without removing them.
func (c *Connection) Peek(n int) []packet.RawPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.peek(n)
}

// Next removes and returns the oldest queued inbound packet.
func (c *Connection) Next() (packet.RawPacket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.next()
}

// update drains the transport into the inbound queue, retries due outbound
// packets, and emits metrics on the configured cadence.
func (c *Connection) update(now time.Time) {
	c.drainInbound()
	c.retryOutbound(now)

	c.mu.Lock()
	emit := now.Sub(c.lastEmit) >= metricsInterval
	if emit {
		c.lastEmit = now
	}
	c.mu.Unlock()
	if emit && c.log != nil {
		s := c.stats()
		c.log.Debug("connection metrics",
			zap.Uint64("connection_id", c.id),
			zap.String("variant", c.variant),
			zap.Uint64("packets_sent", s.PacketsSent),
			zap.Uint64("packets_received", s.PacketsReceived),
			zap.Uint64("failed_send_attempts", s.FailedSendAttempts),
			zap.Float64("average_rtt_ms", s.AverageRttMillis),
		)
	}
}

func (c *Connection) drainInbound() {
	for {
		data, ok, err := c.plugin.Receive()
		if err != nil {
			if c.log != nil {
				c.log.Warn("transport receive error", zap.Error(err))
			}
			return
		}
		if !ok {
			return
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		p, err := packet.Wrap(cp)
		if err != nil {
			continue // malformed datagram: drop silently, matches plugin's best-effort contract
		}
		c.metrics.recordReceived(len(data))
		c.mu.Lock()
		c.in.push(p)
		c.mu.Unlock()
	}
}

// isSendTimeout and isSendNetworkDown recognize the sentinel errors every
// transport plugin wraps its failures in, for errcat.Classify.
func isSendTimeout(err error) bool     { return errcat.Is(err, transport.ErrTimeout) }
func isSendNetworkDown(err error) bool { return errcat.Is(err, transport.ErrNetworkDown) }

func (c *Connection) retryOutbound(now time.Time) {
	c.mu.Lock()
	ready := c.out.drainReady(now)
	c.mu.Unlock()

	for _, p := range ready {
		raw := p.pkt.Bytes()
		err := c.plugin.Send(raw, c.target)
		if err == nil {
			c.metrics.recordSent(len(raw))
			c.metrics.resetFailures()
			continue
		}

		// An unclassified transport error aborts retry for this packet
		// outright and never counts toward the redundancy failure path;
		// only timeout/network-down are treated as a retriable, possibly
		// transient network condition.
		if errcat.Classify(err, isSendTimeout, isSendNetworkDown) == errcat.Other {
			if c.log != nil {
				c.log.Warn("dropping packet: unclassified send error, aborting retry",
					zap.Uint64("connection_id", c.id), zap.Error(err))
			}
			continue
		}

		p.attempts++
		failed := c.metrics.recordFailure()
		if failed > reconnectFailureThreshold {
			c.markDegraded()
		}
		if p.attempts >= maxSendAttempts {
			if c.log != nil {
				c.log.Warn("dropping packet after max send attempts",
					zap.Uint64("connection_id", c.id), zap.Int("attempts", p.attempts), zap.Error(err))
			}
			continue
		}
		backoff := time.Duration(p.attempts*100) * time.Millisecond
		if backoff > backoffCap {
			backoff = backoffCap
		}
		p.nextTry = now.Add(backoff)
		c.mu.Lock()
		c.out.requeue(p)
		c.mu.Unlock()
	}
}

// Flush attempts immediate delivery of the queued outbound packets that are
// due for sending; forced=true also flushes packets that are not yet due for
// retry, bypassing their backoff. A packet whose send fails here is counted
// as a failure and dropped, not requeued.
func (c *Connection) Flush(forced bool) {
	c.mu.Lock()
	var items []pending
	if forced {
		items = c.out.drainAll()
	} else {
		items = c.out.drainReady(time.Now())
	}
	c.mu.Unlock()

	for _, p := range items {
		raw := p.pkt.Bytes()
		if err := c.plugin.Send(raw, c.target); err != nil {
			c.metrics.recordFailure()
			continue
		}
		c.metrics.recordSent(len(raw))
		c.metrics.resetFailures()
	}
}

// CanReconnect reports whether this connection is currently eligible for
// reconnect() (degraded beyond the failure threshold, not
// already closing/closed).
func (c *Connection) CanReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDegraded
}

// Reconnect re-opens the underlying transport, preserving the inbound
// queue. It is the caller's responsibility (C3/owner) to ensure
// CanReconnect() first.
func (c *Connection) Reconnect(opts transport.Options) error {
	if err := c.plugin.Destroy(); err != nil && c.log != nil {
		c.log.Warn("reconnect: destroy old transport", zap.Error(err))
	}
	if err := c.plugin.Setup(opts); err != nil {
		return errcat.Wrap(err, errcat.TransportSetupFailed, "conn: reconnect setup failed")
	}
	c.markRunning()
	return nil
}

// Close stops all workers and releases the transport. If flush is true,
// the outbound queue is drained first. Idempotent.
func (c *Connection) Close(flush bool) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateClosing)
	c.mu.Unlock()

	if flush {
		c.Flush(true)
	}

	err := c.plugin.Destroy()

	c.mu.Lock()
	c.setState(StateClosed)
	c.mu.Unlock()

	if c.collector != nil {
		c.collector.Remove(c)
	}

	if err != nil {
		return errcat.Wrap(err, errcat.TransportSetupFailed, "conn: close")
	}
	return nil
}

// stats returns a structured metrics snapshot (mirroring stats()).
func (c *Connection) stats() Snapshot {
	return c.metrics.snapshot()
}

// NoteRTT records a fresh RTT sample (from a sync-check or ping round
// trip), feeding the ConnectionMetrics.averageRttMillis field.
func (c *Connection) NoteRTT(sample time.Duration, now time.Time) {
	c.metrics.updateRTT(sample, now)
	c.mu.Lock()
	c.lastRTTPing = now
	c.mu.Unlock()
}
