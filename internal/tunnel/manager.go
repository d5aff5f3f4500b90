// Package tunnel owns the lifecycle of one tunnel connection: dial,
// handshake, the background read loop that turns traffic into byte count
// events, and teardown.
package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najahiiii/tunnel-client/internal/handshake"
	"github.com/najahiiii/tunnel-client/internal/metrics"
	"github.com/najahiiii/tunnel-client/internal/model"
	"github.com/najahiiii/tunnel-client/internal/transport"
)

const (
	DefaultShutdownTimeout = 5 * time.Second
	DefaultFlushTimeout    = 5 * time.Second
	DefaultReadBufferSize  = 4096
)

type Dialer interface {
	Open(ctx context.Context, cfg model.ServerConfig) (net.Conn, error)
}

// EventSink receives byte count events. Enqueue must not block.
type EventSink interface {
	Enqueue(ev model.ByteCountEvent)
	Flush(ctx context.Context) error
}

type Options struct {
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration
	FlushTimeout     time.Duration
	ReadBufferSize   int
	// OnStateChange observes every transition. It runs with the manager
	// lock held and must not call Start or Stop.
	OnStateChange func(from, to State)
	// Codecs picks the handshake codec for a protocol. Defaults to
	// handshake.ForProtocol.
	Codecs func(protocol string) (handshake.Codec, error)
}

func (o *Options) applyDefaults() {
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = DefaultFlushTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.Codecs == nil {
		hopts := handshake.Options{Timeout: o.HandshakeTimeout}
		o.Codecs = func(protocol string) (handshake.Codec, error) {
			return handshake.ForProtocol(protocol, hopts)
		}
	}
}

// Handle describes a live connection returned by Start.
type Handle struct {
	ID              string
	ServerSessionID string
	Protocol        string
	Server          model.ServerConfig
	NegotiatedAt    time.Time

	conn *transport.MeteredConn
	done <-chan struct{}
}

// Write sends p through the tunnel. Written bytes are reported as
// BytesSent on the next event.
func (h *Handle) Write(p []byte) (int, error) { return h.conn.Write(p) }

// Done is closed once the connection is fully torn down.
func (h *Handle) Done() <-chan struct{} { return h.done }

type Manager struct {
	dialer Dialer
	sink   EventSink
	log    *slog.Logger
	opts   Options

	state atomic.Int32

	mu      sync.Mutex
	active  *connection
	attempt *attempt
	lastErr error
}

type attempt struct {
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

type connection struct {
	id        string
	conn      *transport.MeteredConn
	sink      EventSink
	onFailure func(error)

	// claimed decides who runs teardown: Stop or the read loop.
	claimed atomic.Bool

	emitMu sync.Mutex
	sealed bool

	loopDone chan struct{}
	finished chan struct{}
}

func NewManager(dialer Dialer, sink EventSink, log *slog.Logger, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{dialer: dialer, sink: sink, log: log, opts: opts}
	m.state.Store(int32(Idle))
	return m
}

// Status never blocks.
func (m *Manager) Status() State { return State(m.state.Load()) }

// LastError returns the cause recorded by the most recent failed attempt or
// teardown, nil after a clean stop.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// setState is the only writer of the state field. Callers hold m.mu.
func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	m.log.Debug("tunnel state", "from", from, "to", to)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(from, to)
	}
}

// Start dials cfg, authenticates with creds and starts the read loop.
// Failures before Connected are returned here and never retried.
// onFailure, if set, is called once for a failed attempt or when an
// established connection ends with an error. For a failed attempt it runs
// while Status reports Failed and must not call Start or Stop
// synchronously.
func (m *Manager) Start(ctx context.Context, cfg model.ServerConfig, creds model.Credentials, onFailure func(error)) (*Handle, error) {
	actx, cancel := context.WithCancel(ctx)
	at := &attempt{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.Status() != Idle {
		m.mu.Unlock()
		cancel()
		metrics.ConnectAttempts.WithLabelValues("already_connected").Inc()
		return nil, &ConnectError{Kind: AlreadyConnected}
	}
	m.attempt = at
	m.setState(Connecting)
	m.mu.Unlock()
	defer cancel()

	codec, err := m.opts.Codecs(cfg.Protocol)
	if err != nil {
		return nil, m.fail(at, &ConnectError{Kind: Unsupported, Err: err}, onFailure)
	}

	raw, err := m.dialer.Open(actx, cfg)
	if err != nil {
		return nil, m.fail(at, &ConnectError{Kind: DialFailed, Err: err}, onFailure)
	}
	conn := transport.NewMeteredConn(raw)

	m.mu.Lock()
	m.setState(Authenticating)
	m.mu.Unlock()

	sess, err := codec.Authenticate(actx, conn, creds)
	if err != nil {
		_ = conn.Close()
		kind := AuthRejected
		var ae *handshake.AuthError
		if !errors.As(err, &ae) {
			kind = DialFailed
		}
		return nil, m.fail(at, &ConnectError{Kind: kind, Err: err}, onFailure)
	}
	// Handshake traffic is not tunnel traffic.
	conn.TakeSent()

	c := &connection{
		id:        sess.ID,
		conn:      conn,
		sink:      m.sink,
		onFailure: onFailure,
		loopDone:  make(chan struct{}),
		finished:  make(chan struct{}),
	}

	m.mu.Lock()
	m.active = c
	if m.attempt == at {
		m.attempt = nil
	}
	m.lastErr = nil
	m.setState(Connected)
	m.mu.Unlock()
	close(at.done)

	metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	m.log.Info("tunnel connected", "session", sess.ID, "server", cfg, "protocol", sess.Protocol, "user", creds.Username)

	go m.readLoop(c)

	return &Handle{
		ID:              sess.ID,
		ServerSessionID: sess.ServerSessionID,
		Protocol:        sess.Protocol,
		Server:          cfg,
		NegotiatedAt:    sess.NegotiatedAt,
		conn:            conn,
		done:            c.finished,
	}, nil
}

// fail routes a failed attempt through Failed back to Idle. The manager
// stays Failed while onFailure runs.
func (m *Manager) fail(at *attempt, err *ConnectError, onFailure func(error)) error {
	m.mu.Lock()
	m.setState(Failed)
	m.lastErr = err
	stopped := at.stopped
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues(resultLabel(err.Kind)).Inc()
	m.log.Warn("tunnel connect failed", "kind", err.Kind, "err", err.Err)

	// An attempt cancelled by Stop is not reported as a failure.
	if onFailure != nil && !stopped {
		onFailure(err)
	}

	m.mu.Lock()
	if m.attempt == at {
		m.attempt = nil
	}
	m.setState(Idle)
	m.mu.Unlock()
	close(at.done)
	return err
}

func resultLabel(k ConnectErrorKind) string {
	switch k {
	case DialFailed:
		return "dial_failed"
	case AuthRejected:
		return "auth_rejected"
	default:
		return "unsupported"
	}
}

// Stop tears down the active connection or cancels an attempt in progress.
// It is a no-op on an idle manager. A read loop that ignores the
// cooperative signal is cut off by closing the transport after
// ShutdownTimeout; Stop still returns nil and the forced close is kept
// as LastError.
func (m *Manager) Stop() error {
	for {
		m.mu.Lock()
		at, c := m.attempt, m.active
		if at != nil {
			at.stopped = true
		}
		m.mu.Unlock()

		switch {
		case at != nil:
			at.cancel()
			<-at.done
		case c != nil:
			m.teardown(c)
			return nil
		default:
			return nil
		}
	}
}

func (m *Manager) teardown(c *connection) {
	if !c.claimed.CompareAndSwap(false, true) {
		// The read loop is already tearing down.
		select {
		case <-c.finished:
		case <-time.After(m.opts.ShutdownTimeout + m.opts.FlushTimeout):
		}
		return
	}

	m.mu.Lock()
	m.setState(Disconnecting)
	m.mu.Unlock()

	c.seal()
	_ = c.conn.SetReadDeadline(time.Now())

	var cause error
	timer := time.NewTimer(m.opts.ShutdownTimeout)
	select {
	case <-c.loopDone:
	case <-timer.C:
		cause = &StopError{Kind: ForcedClose}
		metrics.ForcedCloses.Inc()
		m.log.Warn("read loop did not exit, forcing transport close", "session", c.id, "timeout", m.opts.ShutdownTimeout)
	}
	timer.Stop()

	m.finish(c, cause, false)
}

func (m *Manager) readLoop(c *connection) {
	defer close(c.loopDone)

	buf := make([]byte, m.opts.ReadBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.emit(n)
		}
		if err == nil {
			continue
		}
		if !c.claimed.CompareAndSwap(false, true) {
			// Stop owns teardown; err is its deadline or close.
			return
		}
		cause := err
		if errors.Is(err, io.EOF) {
			cause = ErrRemoteClosed
		}

		m.mu.Lock()
		m.setState(Disconnecting)
		m.mu.Unlock()
		c.seal()
		m.finish(c, cause, true)
		return
	}
}

// finish closes the transport, flushes the sink and returns to Idle.
func (m *Manager) finish(c *connection, cause error, notify bool) {
	_ = c.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FlushTimeout)
	if err := m.sink.Flush(ctx); err != nil {
		m.log.Warn("final activity flush failed", "session", c.id, "err", err)
	}
	cancel()

	m.mu.Lock()
	if m.active == c {
		m.active = nil
	}
	m.lastErr = cause
	m.setState(Idle)
	m.mu.Unlock()
	close(c.finished)

	if cause != nil && !transport.IsExpectedClose(cause) && !errors.Is(cause, ErrRemoteClosed) {
		m.log.Warn("tunnel disconnected", "session", c.id, "rx", c.conn.Received(), "tx", c.conn.Sent(), "err", cause)
	} else {
		m.log.Info("tunnel disconnected", "session", c.id, "rx", c.conn.Received(), "tx", c.conn.Sent())
	}

	if notify && cause != nil && c.onFailure != nil {
		c.onFailure(cause)
	}
}

func (c *connection) emit(n int) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.sealed {
		return
	}
	sent := c.conn.TakeSent()
	c.sink.Enqueue(model.ByteCountEvent{
		Timestamp:     time.Now().UTC(),
		BytesSent:     sent,
		BytesReceived: int64(n),
	})
	metrics.TunnelBytes.WithLabelValues("rx").Add(float64(n))
	if sent > 0 {
		metrics.TunnelBytes.WithLabelValues("tx").Add(float64(sent))
	}
}

// seal stops event emission. Writes not yet reported go out in one last
// event so they are not lost.
func (c *connection) seal() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.sealed {
		return
	}
	c.sealed = true
	if sent := c.conn.TakeSent(); sent > 0 {
		c.sink.Enqueue(model.ByteCountEvent{Timestamp: time.Now().UTC(), BytesSent: sent})
		metrics.TunnelBytes.WithLabelValues("tx").Add(float64(sent))
	}
}
