package conn

import (
	"time"

	"github.com/dcfnet/coreserver/internal/errcat"
	"github.com/dcfnet/coreserver/internal/redundancy"
	"github.com/dcfnet/coreserver/internal/transport"
	"go.uber.org/zap"
)

// Primary is the redundancy-aware Connection variant: it owns a single
// transport plugin and consults a redundancy.Manager to decide which peer
// target string to hand to plugin.Send.
type Primary struct {
	*Connection
	redundancy *redundancy.Manager
	opts       transport.Options
}

// NewPrimary constructs and initializes a Primary connection. pluginName
// must be registered in the transport package (spec default: "gRPC").
func NewPrimary(pluginName string, opts transport.Options, peerTarget string, rm *redundancy.Manager, log *zap.Logger) (*Primary, error) {
	plugin, err := transport.New(pluginName)
	if err != nil {
		return nil, errcat.Wrap(err, errcat.TransportSetupFailed, "primary: resolve plugin")
	}
	if err := plugin.Setup(opts); err != nil {
		return nil, errcat.Wrap(err, errcat.TransportSetupFailed, "primary: setup plugin")
	}

	c := newConnection("primary", plugin, peerTarget, log)
	c.initialize()
	c.markRunning()

	p := &Primary{Connection: c, redundancy: rm, opts: opts}
	if rm != nil {
		rm.Observe(peerTarget, 0, time.Now())
	}
	return p, nil
}

// Update runs the base Connection update and additionally reports send
// outcomes to the Redundancy Manager, rerouting target if a failover fires.
func (p *Primary) Update(now time.Time) {
	before := p.metrics.snapshot().FailedSendAttempts
	p.Connection.update(now)
	after := p.metrics.snapshot().FailedSendAttempts

	if p.redundancy == nil {
		return
	}
	if after > before {
		if p.redundancy.RecordFailure(p.target, now) {
			if next, ok := p.redundancy.Primary(); ok && next != p.target {
				p.mu.Lock()
				p.target = next
				p.mu.Unlock()
			}
		}
	} else if after == 0 {
		p.redundancy.RecordSuccess(p.target)
	}
}

// RequestFailover implements internal/synccheck's FailoverRequester: it
// forces the redundancy manager to treat the current target as degraded and
// re-targets this connection to whatever peer becomes primary as a result.
func (p *Primary) RequestFailover(reason string) {
	if p.redundancy == nil {
		return
	}
	if p.redundancy.ForceFailover(p.target, time.Now()) {
		if next, ok := p.redundancy.Primary(); ok && next != p.target {
			p.mu.Lock()
			p.target = next
			p.mu.Unlock()
		}
	}
	if p.log != nil {
		p.log.Warn("sync-check requested failover", zap.String("reason", reason), zap.String("target", p.target))
	}
}
