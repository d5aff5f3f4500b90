// Package handshake authenticates a freshly opened transport before the
// tunnel starts streaming. Each protocol has its own codec; the connection
// manager only sees the Codec interface.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/najahiiii/tunnel-client/internal/model"
)

const DefaultTimeout = 10 * time.Second

// Session is the result of a successful handshake. It owns Conn until the
// connection manager tears it down.
type Session struct {
	ID              string
	ServerSessionID string
	Protocol        string
	Conn            net.Conn
	NegotiatedAt    time.Time
}

type Codec interface {
	Authenticate(ctx context.Context, conn net.Conn, creds model.Credentials) (*Session, error)
}

type Options struct {
	// Timeout bounds the whole exchange. A response arriving at or after
	// the deadline counts as a timeout.
	Timeout time.Duration
	// Now is used for the deadline check. Tests inject a fake clock here
	// together with a conn that ignores deadlines.
	Now func() time.Time
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// ForProtocol returns the codec for a server protocol.
func ForProtocol(protocol string, opts Options) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "plain", "tcp", "raw":
		return &plainCodec{opts: opts}, nil
	case "cbor":
		return &cborCodec{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
}

// Authenticate runs the handshake for protocol over conn.
func Authenticate(ctx context.Context, conn net.Conn, creds model.Credentials, protocol string, opts Options) (*Session, error) {
	codec, err := ForProtocol(protocol, opts)
	if err != nil {
		return nil, err
	}
	return codec.Authenticate(ctx, conn, creds)
}

// exchange tracks the deadline of one handshake.
type exchange struct {
	ctx      context.Context
	conn     net.Conn
	opts     Options
	deadline time.Time
	stop     func() bool
	fired    chan struct{}
}

func begin(ctx context.Context, conn net.Conn, opts Options) *exchange {
	x := &exchange{ctx: ctx, conn: conn, opts: opts, fired: make(chan struct{})}
	x.deadline = opts.now().Add(opts.timeout())
	_ = conn.SetDeadline(x.deadline)
	// Cancellation unblocks pending I/O by moving the deadline into the past.
	x.stop = context.AfterFunc(ctx, func() {
		defer close(x.fired)
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return x
}

// end clears the deadline. A cancellation callback already running is
// waited for so it cannot land after the clear.
func (x *exchange) end() {
	if !x.stop() {
		<-x.fired
	}
	_ = x.conn.SetDeadline(time.Time{})
}

// arrived enforces the exclusive deadline once a full response is read.
func (x *exchange) arrived() error {
	if !x.opts.now().Before(x.deadline) {
		return &AuthError{Kind: Timeout, Err: fmt.Errorf("response arrived at or after deadline")}
	}
	return nil
}

func (x *exchange) readErr(err error) error {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	if x.ctx.Err() != nil {
		return &AuthError{Kind: Timeout, Err: x.ctx.Err()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &AuthError{Kind: Timeout, Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &AuthError{Kind: Malformed, Reason: "connection closed before response"}
	}
	return &AuthError{Kind: Malformed, Err: err}
}

func (x *exchange) writeErr(err error) error {
	if x.ctx.Err() != nil {
		return &AuthError{Kind: Timeout, Err: x.ctx.Err()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &AuthError{Kind: Timeout, Err: err}
	}
	return fmt.Errorf("send auth payload: %w", err)
}
