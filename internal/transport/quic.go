package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

func init() { Register("quic", func() Plugin { return &QUICPlugin{} }) }

// alpn is the ALPN token negotiated between our own QUIC endpoints; both
// sides of every connection in this system run this plugin, so a private
// unregistered token is fine (grounded on bken client/transport.go's use of
// webtransport-go over a quic.Transport, narrowed here to raw datagrams —
// SendDatagram/ReceiveDatagram, matching client.go's circuit-broken
// retransmit path).
const alpn = "dcf-transport-v1"

// QUICPlugin backs the "quic" transport option (the `mode` config key does
// not select it) — it carries best-effort unordered packets
// as unreliable QUIC datagrams rather than stream bytes, preserving the
// spec's "no ordering, no retransmission" contract.
type QUICPlugin struct {
	mu      sync.Mutex
	ln      *quic.Listener
	conns   map[string]quic.Connection
	inbox   chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	tlsConf *tls.Config
	closed  bool
}

func (q *QUICPlugin) Setup(opts Options) error {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return fmt.Errorf("quic setup: %w", err)
	}

	q.mu.Lock()
	q.conns = make(map[string]quic.Connection)
	q.inbox = make(chan []byte, inboxCapacity)
	q.done = make(chan struct{})
	q.tlsConf = tlsConf
	q.mu.Unlock()

	if opts.Host == "" && opts.Port == 0 {
		return nil // client-only instance: no listener
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return fmt.Errorf("quic setup: listen %s: %w", addr, err)
	}

	q.mu.Lock()
	q.ln = ln
	q.mu.Unlock()

	q.wg.Add(1)
	go q.acceptLoop(ln)
	return nil
}

func (q *QUICPlugin) acceptLoop(ln *quic.Listener) {
	defer q.wg.Done()
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return // listener closed
		}
		q.adopt(conn.RemoteAddr().String(), conn)
	}
}

func (q *QUICPlugin) adopt(key string, conn quic.Connection) {
	q.mu.Lock()
	q.conns[key] = conn
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			data, err := conn.ReceiveDatagram(context.Background())
			if err != nil {
				q.mu.Lock()
				if q.conns[key] == conn {
					delete(q.conns, key)
				}
				q.mu.Unlock()
				return
			}
			select {
			case q.inbox <- data:
			default:
			}
		}
	}()
}

func (q *QUICPlugin) dial(target string) (quic.Connection, error) {
	q.mu.Lock()
	if c, ok := q.conns[target]; ok {
		q.mu.Unlock()
		return c, nil
	}
	tlsConf := q.tlsConf
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := quic.DialAddr(ctx, target, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetworkDown, target, err)
	}
	q.adopt(target, conn)
	return conn, nil
}

func (q *QUICPlugin) Send(data []byte, target string) error {
	conn, err := q.dial(target)
	if err != nil {
		return err
	}
	if err := conn.SendDatagram(data); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkDown, err)
	}
	return nil
}

func (q *QUICPlugin) Receive() ([]byte, bool, error) {
	select {
	case data := <-q.inbox:
		return data, true, nil
	default:
		return nil, false, nil
	}
}

func (q *QUICPlugin) Destroy() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	ln := q.ln
	conns := q.conns
	q.conns = nil
	q.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWithError(0, "shutdown")
	}
	if ln != nil {
		_ = ln.Close()
	}
	q.wg.Wait()
	return nil
}

func (q *QUICPlugin) Version() string { return ProtocolVersion }

// selfSignedTLSConfig mints an ephemeral self-signed cert for the private
// ALPN token above — grounded on bken server/tls.go's self-signed
// certificate generator, adapted from HTTPS serving to a bare QUIC endpoint.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1), NotAfter: time.Now().Add(24 * time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{alpn},
		InsecureSkipVerify: true, // peer identity is established at the dispatch/autohost layer, not via CA trust
	}, nil
}
