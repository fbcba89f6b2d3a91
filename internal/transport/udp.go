package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

func init() { Register("udp", func() Plugin { return &UDPPlugin{} }) }

// readDeadline bounds each blocking ReadFromUDP call so the read loop can
// observe closing without blocking forever (spec: plugin runs its own I/O
// goroutines and must be non-blocking from the caller's perspective).
const readDeadline = 50 * time.Millisecond

// inboxCapacity is the bounded lock-free-queue stand-in;
// a buffered channel is the idiomatic Go equivalent.
const inboxCapacity = 4096

// UDPPlugin is the hardwired fallback_transport default: a single UDP
// socket, non-blocking receive via a background reader goroutine feeding a
// buffered channel.
type UDPPlugin struct {
	mu     sync.Mutex
	conn   *net.UDPConn
	inbox  chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// ErrNetworkDown is returned/wrapped when the socket itself is gone.
var ErrNetworkDown = errors.New("transport: network down")

// ErrTimeout is returned when a send could not complete within its window.
var ErrTimeout = errors.New("transport: send timeout")

func (u *UDPPlugin) Setup(opts Options) error {
	addr := &net.UDPAddr{IP: net.ParseIP(opts.Host), Port: opts.Port}
	if addr.IP == nil {
		addr.IP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp setup: %w", err)
	}

	u.mu.Lock()
	u.conn = conn
	u.inbox = make(chan []byte, inboxCapacity)
	u.done = make(chan struct{})
	u.mu.Unlock()

	u.wg.Add(2)
	go u.readLoop()
	go u.readLoop() // a second reader goroutine, matching spec's "2-4 I/O threads"
	return nil
}

func (u *UDPPlugin) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-u.done:
			return
		default:
		}

		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return // socket closed or otherwise dead
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])

		select {
		case u.inbox <- cp:
		default:
			// inbox full: drop, matching the plugin's best-effort contract.
		}
	}
}

func (u *UDPPlugin) Send(data []byte, target string) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return ErrNetworkDown
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("udp send: resolve %q: %w", target, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(readDeadline))
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrNetworkDown, err)
	}
	return nil
}

func (u *UDPPlugin) Receive() ([]byte, bool, error) {
	select {
	case data := <-u.inbox:
		return data, true, nil
	default:
		return nil, false, nil
	}
}

func (u *UDPPlugin) Destroy() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	conn := u.conn
	done := u.done
	u.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
	}
	u.wg.Wait()
	return nil
}

func (u *UDPPlugin) Version() string { return ProtocolVersion }

// LocalAddr reports the bound socket address, useful when Setup was called
// with Port 0 and the caller needs to learn the ephemeral port actually
// assigned.
func (u *UDPPlugin) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}
