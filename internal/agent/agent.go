package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/najahiiii/tunnel-client/internal/config"
	"github.com/najahiiii/tunnel-client/internal/handshake"
	"github.com/najahiiii/tunnel-client/internal/health"
	"github.com/najahiiii/tunnel-client/internal/metrics"
	"github.com/najahiiii/tunnel-client/internal/model"
	"github.com/najahiiii/tunnel-client/internal/reporter"
	"github.com/najahiiii/tunnel-client/internal/session"
	"github.com/najahiiii/tunnel-client/internal/tunnel"

	"log/slog"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrNoConfigID  = errors.New("no tunnel config id")
	ErrNoAppID     = errors.New("no app id: set control.app_id or control.api_key")
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ControlPlane is the part of the control API the agent uses.
type ControlPlane interface {
	Login(ctx context.Context, username, password, appID string) (*model.LoginResult, error)
	GetConfig(ctx context.Context, configID, token string) (*model.ServerConfig, error)
	SubmitActivity(ctx context.Context, entry model.ActivityLogEntry, token string) error
	VerifyAppKey(ctx context.Context, apiKey string) (*model.AppInfo, error)
	GetApp(ctx context.Context, appID string) (*model.AppInfo, error)
}

type Agent struct {
	cfg      *config.Config
	log      *slog.Logger
	ctrl     ControlPlane
	store    session.Store
	reporter *reporter.Reporter
	manager  *tunnel.Manager
	metrics  *metrics.Collector
	health   *health.Server

	mu     sync.Mutex
	target *target
}

// target is what the agent is connected to, kept for reconnects.
type target struct {
	server model.ServerConfig
	creds  model.Credentials
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg *config.Config, log *slog.Logger, ctrl ControlPlane, store session.Store, dialer tunnel.Dialer, metricsCollector *metrics.Collector) *Agent {
	a := &Agent{
		cfg:     cfg,
		log:     log,
		ctrl:    ctrl,
		store:   store,
		metrics: metricsCollector,
		health:  health.New(log),
	}
	a.reporter = reporter.New(activitySubmitter{ctrl: ctrl, store: store}, log, reporter.Options{
		FlushInterval: cfg.FlushInterval(),
		FlushBytes:    cfg.Report.FlushBytes,
		MaxRetries:    cfg.Report.MaxRetries,
		QueueSize:     cfg.Report.QueueSize,
		SubmitTimeout: cfg.ControlTimeout(),
	})
	a.manager = tunnel.NewManager(dialer, a.reporter, log, tunnel.Options{
		HandshakeTimeout: cfg.HandshakeTimeout(),
		ShutdownTimeout:  cfg.ShutdownTimeout(),
		FlushTimeout:     cfg.ControlTimeout(),
		ReadBufferSize:   cfg.Tunnel.ReadBufferBytes,
		OnStateChange:    a.onStateChange,
	})
	metrics.SetState(stateNames(), tunnel.Idle.String())
	return a
}

func (a *Agent) Status() tunnel.State { return a.manager.Status() }

func (a *Agent) LastError() error { return a.manager.LastError() }

// Ready is closed once Run is accepting activity. Connect before that
// would leave the final flush of a short-lived tunnel unserved.
func (a *Agent) Ready() <-chan struct{} { return a.reporter.Ready() }

func (a *Agent) onStateChange(from, to tunnel.State) {
	metrics.SetState(stateNames(), to.String())
	a.health.SetConnected(to == tunnel.Connected)

	// The final flush during teardown still belongs to the connected
	// session, so the label only flips once the manager is idle again.
	switch to {
	case tunnel.Connected:
		a.setStatusLabel(StatusConnected)
	case tunnel.Idle:
		a.setStatusLabel(StatusDisconnected)
	}
}

func (a *Agent) setStatusLabel(status string) {
	l := a.reporter.Labels()
	l.Status = status
	a.reporter.SetLabels(l)
}

func stateNames() []string {
	names := make([]string, len(tunnel.States))
	for i, s := range tunnel.States {
		names[i] = s.String()
	}
	return names
}

// VerifyKey resolves control.api_key to the app it belongs to, then looks
// the app up for its full record. A failed lookup keeps the verified
// fields.
func (a *Agent) VerifyKey(ctx context.Context) (*model.AppInfo, error) {
	if a.cfg.Control.APIKey == "" {
		return nil, errors.New("control.api_key not set")
	}
	app, err := a.ctrl.VerifyAppKey(ctx, a.cfg.Control.APIKey)
	if err != nil {
		return nil, err
	}
	full, err := a.ctrl.GetApp(ctx, app.ID)
	if err != nil {
		a.log.Warn("app lookup failed", "app_id", app.ID, "err", err)
		return app, nil
	}
	if full.ID == "" {
		full.ID = app.ID
	}
	return full, nil
}

// Login authenticates the app user and persists the session.
func (a *Agent) Login(ctx context.Context, username, password string) (*model.User, error) {
	appID := a.cfg.Control.AppID
	if appID == "" && a.cfg.Control.APIKey != "" {
		app, err := a.VerifyKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve app id: %w", err)
		}
		appID = app.ID
	}
	if appID == "" {
		return nil, ErrNoAppID
	}

	res, err := a.ctrl.Login(ctx, username, password, appID)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveToken(res.Token); err != nil {
		return nil, err
	}
	if err := a.store.SaveUser(res.User); err != nil {
		return nil, err
	}
	a.log.Info("logged in", "user", res.User.Username, "app_id", appID)
	return &res.User, nil
}

// Logout disconnects and clears the stored session.
func (a *Agent) Logout() error {
	a.Disconnect()
	if err := a.store.ClearAll(); err != nil {
		return err
	}
	a.log.Info("logged out")
	return nil
}

func (a *Agent) WhoAmI() (*model.User, error) {
	u, err := a.store.GetUser()
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNotLoggedIn
	}
	return u, err
}

// Connect fetches the server config and starts the tunnel. creds is used
// when the config carries no credentials of its own.
func (a *Agent) Connect(ctx context.Context, configID string, creds model.Credentials) (*tunnel.Handle, error) {
	token, err := a.store.GetToken()
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, err
	}
	user, err := a.WhoAmI()
	if err != nil {
		return nil, err
	}

	if configID == "" {
		configID = a.cfg.Tunnel.ConfigID
	}
	if configID == "" {
		return nil, ErrNoConfigID
	}

	server, err := a.ctrl.GetConfig(ctx, configID, token)
	if err != nil {
		return nil, fmt.Errorf("fetch config %s: %w", configID, err)
	}
	tunnelCreds, err := model.DecodeCredentials(*server, creds)
	if err != nil {
		return nil, err
	}

	a.reporter.SetLabels(reporter.Labels{
		AppUserID:   user.ID,
		Domain:      server.ServerAddress,
		Application: a.cfg.Report.Application,
		Status:      StatusDisconnected,
	})

	tctx, cancel := context.WithCancel(context.Background())
	t := &target{server: *server, creds: tunnelCreds, ctx: tctx, cancel: cancel}

	a.mu.Lock()
	prev := a.target
	a.target = t
	a.mu.Unlock()

	h, err := a.start(ctx, t)
	if err != nil {
		a.mu.Lock()
		if a.target == t {
			a.target = prev
		}
		a.mu.Unlock()
		cancel()
		return nil, err
	}
	if prev != nil {
		prev.cancel()
	}
	return h, nil
}

// start runs one Start, retried by the reconnect policy when enabled.
func (a *Agent) start(ctx context.Context, t *target) (*tunnel.Handle, error) {
	if !a.cfg.Tunnel.Reconnect {
		return a.manager.Start(ctx, t.server, t.creds, a.onFailure)
	}

	var h *tunnel.Handle
	err := retry.Do(
		func() error {
			var err error
			h, err = a.manager.Start(ctx, t.server, t.creds, a.onFailure)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(a.cfg.Tunnel.ReconnectAttempts)),
		retry.Delay(a.cfg.ReconnectDelay()),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			a.log.Warn("tunnel connect failed, retrying", "attempt", n+1, "err", err)
		}),
		retry.LastErrorOnly(true),
	)
	return h, err
}

// retryable limits retries to transient failures. Rejected credentials or
// an unsupported protocol will not improve with another attempt.
func retryable(err error) bool {
	if errors.Is(err, tunnel.ErrDialFailed) {
		return true
	}
	return errors.Is(err, tunnel.ErrAuthRejected) && errors.Is(err, handshake.ErrTimeout)
}

// onFailure receives failures from the manager. Failed attempts are
// already returned by Start; only a lost connection triggers a reconnect.
func (a *Agent) onFailure(err error) {
	var ce *tunnel.ConnectError
	if errors.As(err, &ce) {
		return
	}
	a.log.Warn("tunnel lost", "err", err)

	a.mu.Lock()
	t := a.target
	a.mu.Unlock()
	if t == nil || !a.cfg.Tunnel.Reconnect {
		return
	}
	go func() {
		if _, err := a.start(t.ctx, t); err != nil && t.ctx.Err() == nil {
			a.log.Error("tunnel reconnect gave up", "err", err)
		}
	}()
}

// Disconnect stops the tunnel and any pending reconnect.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	t := a.target
	a.target = nil
	a.mu.Unlock()
	if t != nil {
		t.cancel()
	}
	if err := a.manager.Stop(); err != nil {
		a.log.Warn("tunnel stop", "err", err)
	}
}

// Run supervises the reporter and the observability servers until ctx is
// done, then disconnects before the reporter shuts down.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	rctx, rcancel := context.WithCancel(context.Background())
	defer rcancel()
	g.Go(func() error { return a.reporter.Run(rctx) })

	g.Go(func() error {
		a.runHostMetricsLoop(gctx)
		return nil
	})

	if addr := a.cfg.Observe.HealthAddr; addr != "" {
		g.Go(func() error { return a.health.Serve(gctx, addr) })
	}
	if addr := a.cfg.Observe.MetricsAddr; addr != "" {
		g.Go(func() error { return a.serveMetrics(gctx, addr) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Disconnect()
		rcancel()
		return nil
	})

	return g.Wait()
}

func (a *Agent) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	a.log.Info("starting metrics server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (a *Agent) runHostMetricsLoop(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	ticker := time.NewTicker(a.cfg.HostMetricsInterval())
	defer ticker.Stop()

	for {
		if sample := a.metrics.Sample(ctx); sample != nil {
			a.log.Debug("host metrics",
				"cpu", sample.CPUPercent,
				"mem", sample.MemoryPercent,
				"up_mbps", sample.BandwidthUpMbps,
				"down_mbps", sample.BandwidthDownMbps,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// activitySubmitter attaches the stored token to each submission.
type activitySubmitter struct {
	ctrl  ControlPlane
	store session.Store
}

func (s activitySubmitter) SubmitActivity(ctx context.Context, entry model.ActivityLogEntry) error {
	token, err := s.store.GetToken()
	if err != nil {
		return fmt.Errorf("activity token: %w", err)
	}
	return s.ctrl.SubmitActivity(ctx, entry, token)
}
