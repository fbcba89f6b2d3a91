package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func init() { Register("websocket", func() Plugin { return &WSPlugin{} }) }

// WSPlugin backs the "websocket" transport option. It listens for inbound
// upgrades (server role) and dials targets lazily on first Send (client
// role); both roles can be active on the same plugin instance, matching
// bken server.go's upgrader-based handler shape generalized from a single
// signaling endpoint to a multi-peer datagram relay.
type WSPlugin struct {
	mu      sync.Mutex
	peers   map[string]*websocket.Conn
	inbox   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	httpSrv *http.Server
	dialer  websocket.Dialer
	closed  bool
}

func (w *WSPlugin) Setup(opts Options) error {
	w.mu.Lock()
	w.peers = make(map[string]*websocket.Conn)
	w.inbox = make(chan []byte, inboxCapacity)
	w.done = make(chan struct{})
	w.dialer = websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	w.mu.Unlock()

	if opts.Host == "" && opts.Port == 0 {
		return nil // client-only instance: no listener
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/dcf", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		w.adopt(r.RemoteAddr, conn)
	})

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket setup: listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	w.mu.Lock()
	w.httpSrv = srv
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_ = srv.Serve(ln)
	}()
	return nil
}

// adopt registers an established connection (inbound or outbound) under key
// and starts its dedicated read goroutine.
func (w *WSPlugin) adopt(key string, conn *websocket.Conn) {
	w.mu.Lock()
	w.peers[key] = conn
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				w.mu.Lock()
				if w.peers[key] == conn {
					delete(w.peers, key)
				}
				w.mu.Unlock()
				return
			}
			select {
			case w.inbox <- data:
			default:
			}

			select {
			case <-w.done:
				return
			default:
			}
		}
	}()
}

func (w *WSPlugin) dial(target string) (*websocket.Conn, error) {
	w.mu.Lock()
	if c, ok := w.peers[target]; ok {
		w.mu.Unlock()
		return c, nil
	}
	w.mu.Unlock()

	conn, _, err := w.dialer.Dial(target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetworkDown, target, err)
	}
	w.adopt(target, conn)
	return conn, nil
}

func (w *WSPlugin) Send(data []byte, target string) error {
	conn, err := w.dial(target)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(readDeadline)); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkDown, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkDown, err)
	}
	return nil
}

func (w *WSPlugin) Receive() ([]byte, bool, error) {
	select {
	case data := <-w.inbox:
		return data, true, nil
	default:
		return nil, false, nil
	}
}

func (w *WSPlugin) Destroy() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	done := w.done
	srv := w.httpSrv
	peers := w.peers
	w.peers = nil
	w.mu.Unlock()

	if done != nil {
		close(done)
	}
	for _, c := range peers {
		_ = c.Close()
	}
	if srv != nil {
		_ = srv.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *WSPlugin) Version() string { return ProtocolVersion }
