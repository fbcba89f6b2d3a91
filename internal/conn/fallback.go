package conn

import (
	"time"

	"github.com/dcfnet/coreserver/internal/errcat"
	"github.com/dcfnet/coreserver/internal/transport"
	"go.uber.org/zap"
)

// Fallback is the single-socket Connection variant used when no Primary
// path is available: always the "udp" transport plugin, no
// redundancy grouping or failover — it IS the last resort.
type Fallback struct {
	*Connection
}

// NewFallback constructs and initializes a Fallback connection bound to a
// single UDP socket talking to peerTarget.
func NewFallback(opts transport.Options, peerTarget string, log *zap.Logger) (*Fallback, error) {
	plugin, err := transport.New("udp")
	if err != nil {
		return nil, errcat.Wrap(err, errcat.TransportSetupFailed, "fallback: resolve udp plugin")
	}
	if err := plugin.Setup(opts); err != nil {
		return nil, errcat.Wrap(err, errcat.TransportSetupFailed, "fallback: setup udp plugin")
	}

	c := newConnection("fallback", plugin, peerTarget, log)
	c.initialize()
	c.markRunning()
	return &Fallback{Connection: c}, nil
}

// Update runs the base Connection update; Fallback has no redundancy
// manager to report to.
func (f *Fallback) Update(now time.Time) {
	f.Connection.update(now)
}
