// Package transport implements the Transport Plugin contract:
// best-effort, non-blocking, unordered datagram exchange with a named peer,
// pluggable across UDP/WebSocket/gRPC/QUIC backings.
//
// Real OS dlopen-style plugin loading isn't portably expressible in
// idiomatic Go without cgo and per-platform build tags. We resolve the
// spec's "dynamic plugin loading" requirement with a compile-time registry
// instead: each plugin registers a Factory under a name in its init(), and
// the configured `transport`/`fallback_transport` string is looked up in
// that registry. Version() is still checked against ProtocolVersion before
// Setup() runs, satisfying the spirit of "verify the version string before
// use" without a real dynamic loader.
package transport

import (
	"fmt"
	"sync"
)

// ProtocolVersion is the plugin ABI version every registered plugin must
// report from Version().
const ProtocolVersion = "dcf-transport-v1"

// DefaultMTU is used when Options.MTU is unset.
const DefaultMTU = 1400

// Options carries the recognized plugin config keys.
type Options struct {
	Host string
	Port int
	MTU  int
}

func (o Options) mtu() int {
	if o.MTU <= 0 {
		return DefaultMTU
	}
	return o.MTU
}

// Plugin is the contract every transport backing implements.
type Plugin interface {
	// Setup binds/dials according to opts. Failure here is fatal to a
	// Primary Connection and triggers Fallback selection.
	Setup(opts Options) error

	// Send is best-effort: no ordering, no reliability guarantee beyond
	// what the backing transport happens to provide. target identifies the
	// peer (plugin-specific: "host:port" for udp/quic, a URL for ws/grpc).
	Send(data []byte, target string) error

	// Receive is non-blocking: it returns immediately with ok=false if no
	// datagram is currently queued.
	Receive() (data []byte, ok bool, err error)

	// Destroy releases all resources; idempotent.
	Destroy() error

	// Version reports the plugin's ABI version for compatibility checking.
	Version() string
}

// Factory constructs a fresh, unconfigured Plugin instance.
type Factory func() Plugin

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a named plugin factory to the registry. Called from each
// plugin's init().
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New looks up name in the registry, constructs a Plugin, and verifies its
// reported version before returning it.
func New(name string) (Plugin, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no plugin registered for %q", name)
	}
	p := f()
	if p.Version() != ProtocolVersion {
		return nil, fmt.Errorf("transport: plugin %q reports version %q, want %q", name, p.Version(), ProtocolVersion)
	}
	return p, nil
}

// Known reports whether name has a registered factory, without constructing
// an instance.
func Known(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}
