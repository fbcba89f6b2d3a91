// Package errcat classifies and wraps errors:
// every network/config error gets a short, stable classification alongside
// the usual wrapped chain and stack trace. It re-exports cockroachdb/errors
// the way teranos-QNTX's errors package does, rather than hand-rolling a
// parallel wrapping scheme.
package errcat

import (
	crdb "github.com/cockroachdb/errors"
)

// Kind is the short classification attached to an error via WithDomain.
type Kind string

const (
	ConfigInvalid         Kind = "config-invalid"
	TransportSetupFailed  Kind = "transport-setup-failed"
	SendTimeout           Kind = "send-timeout"
	SendNetworkDown       Kind = "send-network-down"
	SendOther             Kind = "send-other"
	PacketInvalid         Kind = "packet-invalid"
	UnpackFailed          Kind = "unpack-failed"
	DesyncDetected        Kind = "desync-detected"
	NoFreeSlot            Kind = "no-free-slot"
)

// domain converts a Kind into the cockroachdb/errors Domain type.
func domain(k Kind) crdb.Domain { return crdb.Domain(k) }

// Wrap attaches kind as the error's domain and wraps msg onto err, preserving
// the stack trace from the call site.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return crdb.WithDomain(crdb.Wrap(err, msg), domain(kind))
}

// New creates a fresh error already classified with kind.
func New(kind Kind, msg string) error {
	return crdb.WithDomain(crdb.New(msg), domain(kind))
}

// Newf is the Printf-style variant of New.
func Newf(kind Kind, format string, args ...interface{}) error {
	return crdb.WithDomain(crdb.Newf(format, args...), domain(kind))
}

// KindOf extracts the classification attached by Wrap/New, returning
// ("", false) if the error was never classified by this package.
func KindOf(err error) (Kind, bool) {
	d := crdb.GetDomain(err)
	if d == "" {
		return "", false
	}
	return Kind(d), true
}

// SendClass is the three-way outcome of a single transport send attempt,
// timeout, network-down, or other. Any error not
// recognized by a plugin's own sentinel errors classifies as Other — the
// spec's Open Question resolution for unmapped SDK errors.
type SendClass int

const (
	Timeout SendClass = iota
	NetworkDown
	Other
)

// Classify maps a plugin send error to a SendClass using the plugin's
// declared sentinel errors (via the isTimeout/isNetworkDown predicates),
// defaulting to Other for anything unrecognized, including a nil err.
func Classify(err error, isTimeout, isNetworkDown func(error) bool) SendClass {
	if err == nil {
		return Other
	}
	if isTimeout != nil && isTimeout(err) {
		return Timeout
	}
	if isNetworkDown != nil && isNetworkDown(err) {
		return NetworkDown
	}
	return Other
}

// Is, As, and Wrapf are re-exported for callers that want the familiar
// cockroachdb/errors surface without importing it directly.
var (
	Is    = crdb.Is
	As    = crdb.As
	Wrapf = crdb.Wrapf
)
