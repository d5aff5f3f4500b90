package handshake

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/najahiiii/tunnel-client/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

// scriptConn replays a canned server response. The first Read advances the
// clock by delay to simulate response latency.
type scriptConn struct {
	net.Conn
	in      *bytes.Reader
	out     bytes.Buffer
	clock   *fakeClock
	delay   time.Duration
	delayed bool
}

func newScriptConn(resp []byte, clock *fakeClock, delay time.Duration) *scriptConn {
	return &scriptConn{in: bytes.NewReader(resp), clock: clock, delay: delay}
}

func (c *scriptConn) Read(p []byte) (int, error) {
	if !c.delayed {
		c.delayed = true
		if c.clock != nil {
			c.clock.t = c.clock.t.Add(c.delay)
		}
	}
	return c.in.Read(p)
}

func (c *scriptConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *scriptConn) Close() error                { return nil }

func (c *scriptConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

var alice = model.Credentials{Username: "alice", Password: "s3cret"}

func TestPlainAcceptKeepsTrailingStream(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		got <- line
		_, _ = server.Write([]byte("OK srv-1\nDATA"))
	}()

	sess, err := Authenticate(context.Background(), client, alice, "plain", Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if line := <-got; line != "alice:s3cret\n" {
		t.Fatalf("server got %q", line)
	}
	if sess.ServerSessionID != "srv-1" || sess.ID == "" || sess.Protocol != "plain" || sess.Conn != client {
		t.Fatalf("unexpected session %+v", sess)
	}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read trailing data: %v", err)
	}
	if string(buf) != "DATA" {
		t.Fatalf("trailing data = %q", buf)
	}
}

func TestPlainRejectScrubsPassword(t *testing.T) {
	for _, verb := range []string{"ERR", "DENIED"} {
		conn := newScriptConn([]byte(verb+" bad password s3cret\n"), nil, 0)
		_, err := Authenticate(context.Background(), conn, alice, "tcp", Options{})
		var ae *AuthError
		if !errors.As(err, &ae) || ae.Kind != Rejected {
			t.Fatalf("%s: expected Rejected, got %v", verb, err)
		}
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("%s: errors.Is(ErrRejected) false", verb)
		}
		if strings.Contains(err.Error(), "s3cret") {
			t.Fatalf("%s: password leaked: %v", verb, err)
		}
	}
}

func TestPlainMalformed(t *testing.T) {
	tests := []struct {
		name string
		resp string
	}{
		{"unknown verb", "HELLO s3cret\n"},
		{"closed early", "OK"},
		{"empty", ""},
		{"too long", strings.Repeat("x", maxPlainLine+10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Authenticate(context.Background(), newScriptConn([]byte(tt.resp), nil, 0), alice, "", Options{})
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected malformed, got %v", err)
			}
			if strings.Contains(err.Error(), "s3cret") {
				t.Fatalf("password leaked: %v", err)
			}
		})
	}
}

func TestDeadlineIsExclusive(t *testing.T) {
	const timeout = 10 * time.Second
	tests := []struct {
		name    string
		delay   time.Duration
		wantErr bool
	}{
		{"just before", timeout - time.Nanosecond, false},
		{"exactly at", timeout, true},
		{"after", timeout + time.Second, true},
	}
	for _, protocol := range []string{"plain", "cbor"} {
		for _, tt := range tests {
			t.Run(protocol+"/"+tt.name, func(t *testing.T) {
				clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
				resp := []byte("OK\n")
				if protocol == "cbor" {
					resp = cborResponse(t, cborAuthResponse{OK: true, Session: "s"})
				}
				conn := newScriptConn(resp, clock, tt.delay)
				_, err := Authenticate(context.Background(), conn, alice, protocol, Options{Timeout: timeout, Now: clock.now})
				if tt.wantErr {
					var ae *AuthError
					if !errors.As(err, &ae) || ae.Kind != Timeout {
						t.Fatalf("expected Timeout, got %v", err)
					}
					return
				}
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
			})
		}
	}
}

func TestContextCancelUnblocks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		_, _ = bufio.NewReader(server).ReadString('\n')
	}()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := Authenticate(ctx, client, alice, "plain", Options{Timeout: 5 * time.Second})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("cancel did not unblock the handshake")
	}
}

func cborResponse(t *testing.T, resp cborAuthResponse) []byte {
	t.Helper()
	payload, err := cborEnc.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var buf bytes.Buffer
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	return buf.Bytes()
}

func TestCBORRequestAndAccept(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	conn := newScriptConn(cborResponse(t, cborAuthResponse{OK: true, Session: "abc"}), clock, time.Millisecond)
	sess, err := Authenticate(context.Background(), conn, alice, "cbor", Options{Now: clock.now})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.ServerSessionID != "abc" || sess.Protocol != "cbor" {
		t.Fatalf("unexpected session %+v", sess)
	}

	frame, err := readFrame(&conn.out)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	var req cborAuthRequest
	if err := cborDec.Unmarshal(frame, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Version != cborVersion || req.User != "alice" || req.Pass != "s3cret" || req.Timestamp != clock.t.Add(-time.Millisecond).Unix() {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestCBORReject(t *testing.T) {
	conn := newScriptConn(cborResponse(t, cborAuthResponse{OK: false, Reason: "expired s3cret"}), nil, 0)
	_, err := Authenticate(context.Background(), conn, alice, "cbor", Options{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if strings.Contains(err.Error(), "s3cret") {
		t.Fatalf("password leaked: %v", err)
	}
}

func TestCBORMalformed(t *testing.T) {
	var junk bytes.Buffer
	_ = writeFrame(&junk, []byte{0xff, 0x00, 0x13})
	tests := map[string][]byte{
		"zero length": {0, 0, 0, 0},
		"oversized":   {0xff, 0xff, 0xff, 0xff},
		"truncated":   {0, 0, 0, 9, 1, 2},
		"not cbor":    junk.Bytes(),
	}
	for name, resp := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Authenticate(context.Background(), newScriptConn(resp, nil, 0), alice, "cbor", Options{})
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected malformed, got %v", err)
			}
		})
	}
}

func TestUnsupportedProtocol(t *testing.T) {
	_, err := ForProtocol("wireguard", Options{})
	if !errors.Is(err, ErrUnsupportedProtocol) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	for _, p := range []string{"", "plain", "TCP", "raw", "cbor"} {
		if _, err := ForProtocol(p, Options{}); err != nil {
			t.Fatalf("ForProtocol(%q): %v", p, err)
		}
	}
}

// deadlineConn records SetDeadline calls. A deadline in the past blocks
// until gate is closed.
type deadlineConn struct {
	net.Conn
	mu      sync.Mutex
	calls   []time.Time
	entered chan struct{}
	gate    chan struct{}
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	if !t.IsZero() && t.Before(time.Unix(2, 0)) {
		close(c.entered)
		<-c.gate
	}
	c.mu.Lock()
	c.calls = append(c.calls, t)
	c.mu.Unlock()
	return nil
}

func TestEndWaitsForCancelCallback(t *testing.T) {
	conn := &deadlineConn{entered: make(chan struct{}), gate: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	x := begin(ctx, conn, Options{Timeout: time.Second})

	cancel()
	<-conn.entered

	ended := make(chan struct{})
	go func() {
		x.end()
		close(ended)
	}()
	select {
	case <-ended:
		t.Fatal("end returned while the cancel callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(conn.gate)
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("end did not return")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if last := conn.calls[len(conn.calls)-1]; !last.IsZero() {
		t.Fatalf("last deadline = %v, want cleared", last)
	}
}
