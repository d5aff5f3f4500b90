// Package transport opens the byte stream a tunnel session runs over.
//
// The stream can be wrapped or proxied by an Outline transport config
// (for example "tls:sni=vpn.example.com" or "socks5://127.0.0.1:1080").
// An empty config dials the server directly over TCP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/najahiiii/tunnel-client/internal/model"

	sdktransport "golang.getoutline.org/sdk/transport"
	"golang.getoutline.org/sdk/x/configurl"
)

// StreamDialer dials a stream connection to addr.
type StreamDialer interface {
	DialStream(ctx context.Context, addr string) (net.Conn, error)
}

type outlineDialer struct {
	sd sdktransport.StreamDialer
}

func (d outlineDialer) DialStream(ctx context.Context, addr string) (net.Conn, error) {
	return d.sd.DialStream(ctx, addr)
}

type directDialer struct {
	d net.Dialer
}

func (d *directDialer) DialStream(ctx context.Context, addr string) (net.Conn, error) {
	return d.d.DialContext(ctx, "tcp", addr)
}

// Transport opens connections to tunnel servers.
type Transport struct {
	dialer      StreamDialer
	dialTimeout time.Duration
	log         *slog.Logger
}

// New builds a Transport from an Outline transport config.
func New(transportConfig string, dialTimeout time.Duration, log *slog.Logger) (*Transport, error) {
	var dialer StreamDialer
	if transportConfig == "" {
		dialer = &directDialer{d: net.Dialer{KeepAlive: 30 * time.Second}}
	} else {
		sd, err := configurl.NewDefaultProviders().NewStreamDialer(context.Background(), transportConfig)
		if err != nil {
			return nil, fmt.Errorf("creating stream dialer: %w", err)
		}
		dialer = outlineDialer{sd: sd}
	}
	return NewWithDialer(dialer, dialTimeout, log), nil
}

// NewWithDialer wraps an existing dialer.
func NewWithDialer(dialer StreamDialer, dialTimeout time.Duration, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{dialer: dialer, dialTimeout: dialTimeout, log: log}
}

// Open dials the server described by cfg.
func (t *Transport) Open(ctx context.Context, cfg model.ServerConfig) (net.Conn, error) {
	if cfg.ServerAddress == "" || cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid server endpoint %q:%d", cfg.ServerAddress, cfg.Port)
	}
	addr := net.JoinHostPort(cfg.ServerAddress, strconv.Itoa(cfg.Port))

	if t.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := t.dialer.DialStream(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t.log.Debug("transport open", "addr", addr, "took", time.Since(start))
	return conn, nil
}

// IsExpectedClose reports whether err is a normal end of stream: EOF, a
// closed connection, a broken pipe or a reset by the peer.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
