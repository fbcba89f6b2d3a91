package transport

import (
	"net"
	"testing"
)

// pickFreePort asks the OS for an ephemeral port, then releases it
// immediately so a plugin under test can bind it. Inherently racy against
// other processes, acceptable for loopback-only test traffic.
func pickFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
