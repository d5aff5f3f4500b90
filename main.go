package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/najahiiii/tunnel-client/internal/agent"
	"github.com/najahiiii/tunnel-client/internal/agentsetup"
	"github.com/najahiiii/tunnel-client/internal/config"
	"github.com/najahiiii/tunnel-client/internal/control"
	"github.com/najahiiii/tunnel-client/internal/health"
	"github.com/najahiiii/tunnel-client/internal/logger"
	"github.com/najahiiii/tunnel-client/internal/metrics"
	"github.com/najahiiii/tunnel-client/internal/model"
	"github.com/najahiiii/tunnel-client/internal/session"
	"github.com/najahiiii/tunnel-client/internal/transport"
)

const usage = `usage: tunnel-client <command> [flags]

commands:
  init        write the default config and systemd unit
  verify-key  resolve control.api_key to its app
  login       log in as an app user
  logout      disconnect and clear the stored session
  whoami      print the logged in user
  connect     connect the tunnel and run until interrupted
  status      query the health endpoint of a running client
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(cmd string, args []string) error {
	switch cmd {
	case "init":
		return cmdInit(args)
	case "verify-key":
		return cmdVerifyKey(args)
	case "login":
		return cmdLogin(args)
	case "logout":
		return cmdLogout(args)
	case "whoami":
		return cmdWhoAmI(args)
	case "connect":
		return cmdConnect(args)
	case "status":
		return cmdStatus(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command")
	}
}

func newFlagSet(name string, cfgPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(cfgPath, "config", agentsetup.DefaultConfigPath, "path to config.yaml")
	return fs
}

// env is the wiring shared by commands that talk to the control plane.
type env struct {
	cfg   *config.Config
	log   *slog.Logger
	store session.Store
	agent *agent.Agent
}

func newEnv(cfgPath string) (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Logging.Level)

	store, err := session.Open(cfg.Session.Backend, cfg.Session.Path, log)
	if err != nil {
		return nil, err
	}
	tr, err := transport.New(cfg.Tunnel.Transport, cfg.DialTimeout(), log)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	ctrl := control.NewClient(cfg, log)
	agt := agent.New(cfg, log, ctrl, store, tr, metrics.NewCollector(log))
	return &env{cfg: cfg, log: log, store: store, agent: agt}, nil
}

func (e *env) Close() { closeStore(e.store) }

func closeStore(s session.Store) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

func cmdInit(args []string) error {
	var (
		cfgPath     string
		servicePath string
		noSystemd   bool
		baseURL     string
		appID       string
		apiKey      string
		tlsInsecure bool
	)
	fs := newFlagSet("init", &cfgPath)
	fs.StringVar(&servicePath, "service", "", "systemd unit path")
	fs.BoolVar(&noSystemd, "no-systemd", false, "write files only")
	fs.StringVar(&baseURL, "base-url", "", "control API base URL")
	fs.StringVar(&appID, "app-id", "", "app id")
	fs.StringVar(&apiKey, "api-key", "", "app API key")
	fs.BoolVar(&tlsInsecure, "tls-insecure", false, "skip TLS verification for the control API")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log := logger.New("info")
	ctx := context.Background()
	if err := agentsetup.Install(ctx, agentsetup.Options{
		ConfigPath:  cfgPath,
		ServicePath: servicePath,
		NoSystemd:   noSystemd,
		Logger:      log,
	}); err != nil {
		return err
	}

	upd := agentsetup.UpdateControlOptions{ConfigPath: cfgPath, BaseURL: baseURL, AppID: appID, APIKey: apiKey, Logger: log}
	if fs.Changed("tls-insecure") {
		upd.TLSInsecure = &tlsInsecure
	}
	if upd.BaseURL == "" && upd.AppID == "" && upd.APIKey == "" && upd.TLSInsecure == nil {
		return nil
	}
	return agentsetup.UpdateControl(upd)
}

func cmdVerifyKey(args []string) error {
	var cfgPath string
	fs := newFlagSet("verify-key", &cfgPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := newEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ControlTimeout())
	defer cancel()
	app, err := e.agent.VerifyKey(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("app_id=%s name=%s version=%s download_url=%s\n", app.ID, app.AppName, app.Version, app.DownloadURL)
	return nil
}

func cmdLogin(args []string) error {
	var cfgPath, username string
	fs := newFlagSet("login", &cfgPath)
	fs.StringVarP(&username, "username", "u", "", "app user name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if username == "" {
		return errors.New("--username required")
	}
	e, err := newEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*e.cfg.ControlTimeout())
	defer cancel()
	user, err := e.agent.Login(ctx, username, password)
	if err != nil {
		return err
	}
	fmt.Printf("logged in as %s (id %s)\n", user.Username, user.ID)
	return nil
}

func cmdLogout(args []string) error {
	var cfgPath string
	fs := newFlagSet("logout", &cfgPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := newEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()
	return e.agent.Logout()
}

func cmdWhoAmI(args []string) error {
	var cfgPath string
	fs := newFlagSet("whoami", &cfgPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := newEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	user, err := e.agent.WhoAmI()
	if err != nil {
		return err
	}
	fmt.Printf("id=%s username=%s app_id=%s subscription=%s expires=%s\n",
		user.ID, user.Username, user.AppID, user.SubscriptionStatus, user.ExpiryDate)
	return nil
}

func cmdConnect(args []string) error {
	var cfgPath, configID, tunnelUser string
	fs := newFlagSet("connect", &cfgPath)
	fs.StringVar(&configID, "config-id", "", "server config id (default tunnel.config_id)")
	fs.StringVar(&tunnelUser, "tunnel-user", "", "tunnel user when the server config carries no credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}
	e, err := newEnv(cfgPath)
	if err != nil {
		return err
	}
	defer e.Close()

	var creds model.Credentials
	if tunnelUser != "" {
		pass, err := readPassword("Tunnel password: ")
		if err != nil {
			return err
		}
		creds = model.Credentials{Username: tunnelUser, Password: pass}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- e.agent.Run(ctx) }()
	select {
	case <-e.agent.Ready():
	case err := <-runDone:
		if err == nil {
			err = errors.New("client stopped before connecting")
		}
		return err
	}

	h, err := e.agent.Connect(ctx, configID, creds)
	if err != nil {
		cancel()
		<-runDone
		return err
	}
	e.log.Info("tunnel connected", "server", h.Server.Name, "session", h.ID, "server_session", h.ServerSessionID)

	// Without reconnect a dropped tunnel ends the command.
	dropped := h.Done()
	if e.cfg.Tunnel.Reconnect {
		dropped = nil
	}
	var lost bool
	select {
	case <-ctx.Done():
	case <-dropped:
		lost = true
		cancel()
	}

	if err := <-runDone; err != nil {
		return err
	}
	e.log.Info("client stopped")
	if lost {
		return e.agent.LastError()
	}
	return nil
}

func cmdStatus(args []string) error {
	var cfgPath string
	fs := newFlagSet("status", &cfgPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Observe.HealthAddr == "" {
		return errors.New("observe.health_addr not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	status, err := health.Check(ctx, cfg.Observe.HealthAddr)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", health.Service, status)
	return nil
}

// readPassword prompts on the terminal with echo off, or reads one line
// from stdin when it is not a terminal.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
