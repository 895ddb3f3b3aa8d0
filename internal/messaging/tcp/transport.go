// Package tcp is the network transport: one short-lived connection per
// message, addressed through a static routing table. A peer that refuses
// the connection is reported to the caller once the configured connect
// attempts are used up.
package tcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"taskmatch/internal/domain"
	"taskmatch/internal/protocol"
)

var ErrUnknownPeer = errors.New("peer not in routing table")

// SendError wraps a failed delivery with the peer it was meant for.
type SendError struct {
	To   domain.AgentID
	Addr string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to agent %d at %s: %v", e.To, e.Addr, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type Options struct {
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Buffer      int
	// ConnectRetries is how many extra dial attempts a send makes, RetryDelay
	// apart. Zero fails on the first refused connection.
	ConnectRetries int
	RetryDelay     time.Duration
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 2 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	if o.ConnectRetries < 0 {
		o.ConnectRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	return o
}

type Transport struct {
	self     domain.AgentID
	opts     Options
	logger   *log.Logger
	listener net.Listener
	inbox    chan protocol.Envelope

	mu     sync.RWMutex
	routes map[domain.AgentID]string
	closed bool
}

// Listen binds the agent's own address and returns a transport ready to
// Serve. routes maps every reachable agent id to its host:port.
func Listen(self domain.AgentID, addr string, routes map[domain.AgentID]string, opts Options, logger *log.Logger) (*Transport, error) {
	if logger == nil {
		logger = log.Default()
	}
	opts = opts.withDefaults()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	table := make(map[domain.AgentID]string, len(routes))
	for id, a := range routes {
		table[id] = a
	}
	return &Transport{
		self:     self,
		opts:     opts,
		logger:   logger,
		listener: ln,
		inbox:    make(chan protocol.Envelope, opts.Buffer),
		routes:   table,
	}, nil
}

func (t *Transport) Addr() string { return t.listener.Addr().String() }

func (t *Transport) Inbox() <-chan protocol.Envelope { return t.inbox }

// SetRoute updates one routing entry; used when peers bind ephemeral ports.
func (t *Transport) SetRoute(id domain.AgentID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[id] = addr
}

func (t *Transport) route(id domain.AgentID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.routes[id]
	return addr, ok
}

func (t *Transport) Send(ctx context.Context, env protocol.Envelope) error {
	addr, ok := t.route(env.To)
	if !ok {
		return &SendError{To: env.To, Err: ErrUnknownPeer}
	}
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return &SendError{To: env.To, Addr: addr, Err: err}
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.ReadTimeout))
	if err := json.NewEncoder(conn).Encode(env); err != nil {
		return &SendError{To: env.To, Addr: addr, Err: fmt.Errorf("write envelope: %w", err)}
	}
	return nil
}

// dial connects to addr, retrying while peers of a freshly launched ring
// are still binding their listeners.
func (t *Transport) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	var err error
	for attempt := 0; ; attempt++ {
		var conn net.Conn
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if attempt >= t.opts.ConnectRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(t.opts.RetryDelay):
		}
	}
	if t.opts.ConnectRetries > 0 {
		return nil, fmt.Errorf("after %d attempts: %w", t.opts.ConnectRetries+1, err)
	}
	return nil, err
}

// Serve accepts connections until ctx ends or the transport is closed. Each
// connection carries exactly one envelope.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || t.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.receive(ctx, conn)
		}()
	}
}

func (t *Transport) receive(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))

	var env protocol.Envelope
	if err := json.NewDecoder(conn).Decode(&env); err != nil {
		t.logger.Printf("agent=%d drop message from %s: %v", t.self, conn.RemoteAddr(), err)
		return
	}
	if env.To != t.self {
		t.logger.Printf("agent=%d drop %s addressed to %d", t.self, env.Kind(), env.To)
		return
	}
	select {
	case t.inbox <- env:
	case <-ctx.Done():
	}
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
