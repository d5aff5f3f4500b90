package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/najahiiii/tunnel-client/internal/config"
	"github.com/najahiiii/tunnel-client/internal/control"
	"github.com/najahiiii/tunnel-client/internal/model"
	"github.com/najahiiii/tunnel-client/internal/session"
	"github.com/najahiiii/tunnel-client/internal/transport"
	"github.com/najahiiii/tunnel-client/internal/tunnel"
)

type controlPlane struct {
	mu      sync.Mutex
	port    int
	entries []model.ActivityLogEntry
	logins  []map[string]string
}

func (c *controlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/android/verify-key":
		_, _ = io.WriteString(w, `{"success":true,"app":{"id":9,"app_name":"Tunnel","version":"1.0.0"}}`)
	case "/api/android/9":
		_, _ = io.WriteString(w, `{"success":true,"app":{"id":9,"app_name":"Tunnel","version":"1.0.1","download_url":"https://example.com/tunnel.apk"}}`)
	case "/api/auth/app/login":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.logins = append(c.logins, body)
		c.mu.Unlock()
		_, _ = io.WriteString(w, `{"success":true,"token":"jwt-1","user":{"id":7,"username":"alice"}}`)
	case "/api/admin/config/5":
		c.mu.Lock()
		port := c.port
		c.mu.Unlock()
		fmt.Fprintf(w, `{"success":true,"config":{"id":5,"name":"local","server_address":"127.0.0.1","port":%d,"protocol":"plain","credentials":"u:p"}}`, port)
	case "/api/admin/monitoring/log":
		if r.Header.Get("Authorization") != "Bearer jwt-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var e model.ActivityLogEntry
		_ = json.NewDecoder(r.Body).Decode(&e)
		c.mu.Lock()
		c.entries = append(c.entries, e)
		c.mu.Unlock()
		_, _ = io.WriteString(w, `{"success":true}`)
	default:
		http.NotFound(w, r)
	}
}

func (c *controlPlane) snapshot() []model.ActivityLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ActivityLogEntry(nil), c.entries...)
}

// startTunnelServer accepts one connection, answers the plain handshake,
// sends payload and closes.
func startTunnelServer(t *testing.T, payload string) (int, <-chan string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = lis.Close() })

	lines := make(chan string, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		lines <- line
		_, _ = io.WriteString(conn, "OK sess-1\n")
		time.Sleep(20 * time.Millisecond)
		_, _ = io.WriteString(conn, payload)
	}()
	return lis.Addr().(*net.TCPAddr).Port, lines
}

func newTestAgent(t *testing.T, cp *controlPlane) (*Agent, *config.Config, session.Store) {
	t.Helper()
	srv := httptest.NewServer(cp)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Control.BaseURL = srv.URL + "/api"
	cfg.Control.AppID = "3"
	cfg.Tunnel.ConfigID = "5"
	cfg.Report.FlushIntervalSec = 3600
	cfg.ApplyDefaults()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr, err := transport.New("", cfg.DialTimeout(), log)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	store := session.NewMemoryStore()
	return New(cfg, log, control.NewClient(cfg, log), store, tr, nil), cfg, store
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	})
	select {
	case <-a.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("agent not ready")
	}
}

func TestReadyFollowsRun(t *testing.T) {
	a, _, _ := newTestAgent(t, &controlPlane{})
	select {
	case <-a.Ready():
		t.Fatal("ready before Run")
	default:
	}
	runAgent(t, a)
	select {
	case <-a.Ready():
	default:
		t.Fatal("not ready after Run started")
	}
}

func TestConnectReportsActivity(t *testing.T) {
	cp := &controlPlane{}
	port, lines := startTunnelServer(t, "hello world")
	cp.port = port

	a, _, _ := newTestAgent(t, cp)
	runAgent(t, a)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := a.Connect(ctx, "", model.Credentials{}); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("connect before login: %v", err)
	}
	user, err := a.Login(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != "7" || user.AppID != "3" {
		t.Fatalf("user %+v", user)
	}

	h, err := a.Connect(ctx, "", model.Credentials{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h.ServerSessionID != "sess-1" {
		t.Fatalf("server session %q", h.ServerSessionID)
	}
	if line := <-lines; line != "u:p\n" {
		t.Fatalf("auth line %q", line)
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		t.Fatal("tunnel did not close")
	}
	if a.Status() != tunnel.Idle {
		t.Fatalf("status %v", a.Status())
	}
	if !errors.Is(a.LastError(), tunnel.ErrRemoteClosed) {
		t.Fatalf("last error %v", a.LastError())
	}

	entries := cp.snapshot()
	var recv int64
	for _, e := range entries {
		recv += e.BytesReceived
		if e.AppUserID != "7" || e.Domain != "127.0.0.1" || e.Application != config.DefaultApplication {
			t.Fatalf("entry labels %+v", e)
		}
		if e.Status != StatusConnected {
			t.Fatalf("entry status %q", e.Status)
		}
		if e.BytesSent != 0 {
			t.Fatalf("handshake bytes counted: %+v", e)
		}
	}
	if recv != int64(len("hello world")) {
		t.Fatalf("received %d bytes in %d entries", recv, len(entries))
	}
}

func TestLoginResolvesAppFromKey(t *testing.T) {
	cp := &controlPlane{}
	a, cfg, store := newTestAgent(t, cp)
	cfg.Control.AppID = ""
	cfg.Control.APIKey = "key-1"

	if _, err := a.Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	cp.mu.Lock()
	got := cp.logins[0]["app_id"]
	cp.mu.Unlock()
	if got != "9" {
		t.Fatalf("login app_id %q", got)
	}

	if err := a.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := store.GetToken(); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("token after logout: %v", err)
	}
	if _, err := a.WhoAmI(); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("whoami after logout: %v", err)
	}
}

func TestVerifyKeyLooksUpApp(t *testing.T) {
	a, cfg, _ := newTestAgent(t, &controlPlane{})
	cfg.Control.APIKey = "key-1"

	app, err := a.VerifyKey(context.Background())
	if err != nil {
		t.Fatalf("VerifyKey: %v", err)
	}
	if app.ID != "9" || app.Version != "1.0.1" || app.DownloadURL != "https://example.com/tunnel.apk" {
		t.Fatalf("app %+v", app)
	}
}

func TestLoginWithoutApp(t *testing.T) {
	a, cfg, _ := newTestAgent(t, &controlPlane{})
	cfg.Control.AppID = ""
	if _, err := a.Login(context.Background(), "alice", "pw"); !errors.Is(err, ErrNoAppID) {
		t.Fatalf("expected ErrNoAppID, got %v", err)
	}
}

func TestConnectRetriesDialFailure(t *testing.T) {
	cp := &controlPlane{}
	a, cfg, _ := newTestAgent(t, cp)
	cfg.Tunnel.Reconnect = true
	cfg.Tunnel.ReconnectAttempts = 2
	cfg.Tunnel.ReconnectDelaySec = 0

	// Reserve a port, then close it so dials are refused.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cp.port = lis.Addr().(*net.TCPAddr).Port
	_ = lis.Close()

	ctx := context.Background()
	if _, err := a.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err = a.Connect(ctx, "5", model.Credentials{})
	if !errors.Is(err, tunnel.ErrDialFailed) {
		t.Fatalf("expected ErrDialFailed, got %v", err)
	}
	if a.Status() != tunnel.Idle {
		t.Fatalf("status %v", a.Status())
	}
}

func TestRetryable(t *testing.T) {
	if retryable(&tunnel.ConnectError{Kind: tunnel.AuthRejected, Err: errors.New("bad password")}) {
		t.Fatal("rejected credentials must not be retried")
	}
	if !retryable(&tunnel.ConnectError{Kind: tunnel.DialFailed, Err: errors.New("refused")}) {
		t.Fatal("dial failures are retried")
	}
}
