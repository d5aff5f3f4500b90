package agentsetup

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/najahiiii/tunnel-client/internal/config"

	"gopkg.in/yaml.v3"
	"log/slog"
)

const (
	DefaultConfigPath  = "/etc/tunnel-client/config.yaml"
	defaultServicePath = "/usr/lib/systemd/system/tunnel-client.service"
	serviceName        = "tunnel-client"
)

//go:embed assets/config.yaml
var embeddedConfig []byte

//go:embed assets/tunnel-client.service
var embeddedService []byte

type Options struct {
	ConfigPath  string
	ServicePath string
	// NoSystemd writes the files without reloading or enabling the unit.
	NoSystemd   bool
	Logger      *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ConfigPath == "" {
		o.ConfigPath = DefaultConfigPath
	}
	if o.ServicePath == "" {
		o.ServicePath = defaultServicePath
	}
}

// Install writes config (if absent) and installs/enables the systemd unit.
func Install(ctx context.Context, opts Options) error {
	opts.withDefaults()
	log := opts.Logger

	if _, err := os.Stat(opts.ConfigPath); os.IsNotExist(err) {
		if log != nil {
			log.Info("writing client config", "path", opts.ConfigPath)
		}
		if err := writeFile(opts.ConfigPath, embeddedConfig, 0o600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("check config: %w", err)
	} else if log != nil {
		log.Info("config already exists", "path", opts.ConfigPath)
	}

	if log != nil {
		log.Info("installing systemd unit", "path", opts.ServicePath)
	}
	if err := writeFile(opts.ServicePath, embeddedService, 0o644); err != nil {
		return fmt.Errorf("write service: %w", err)
	}
	if opts.NoSystemd {
		return nil
	}

	if err := runCmd(ctx, "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if err := runCmd(ctx, "systemctl", "enable", serviceName); err != nil {
		return fmt.Errorf("systemctl enable %s: %w", serviceName, err)
	}
	if log != nil {
		log.Info("client service installed; run login before starting it")
	}
	return nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, perm)
}

func runCmd(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

type UpdateControlOptions struct {
	ConfigPath  string
	BaseURL     string
	AppID       string
	APIKey      string
	TLSInsecure *bool
	Logger      *slog.Logger
}

// UpdateControl updates control.* fields in the client config. Creates the
// config from the embedded sample if missing.
func UpdateControl(opts UpdateControlOptions) error {
	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigPath
	}
	log := opts.Logger

	if opts.BaseURL == "" && opts.AppID == "" && opts.APIKey == "" && opts.TLSInsecure == nil {
		return fmt.Errorf("no control fields provided for update")
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if opts.BaseURL != "" {
		cfg.Control.BaseURL = opts.BaseURL
	}
	if opts.AppID != "" {
		cfg.Control.AppID = opts.AppID
	}
	if opts.APIKey != "" {
		cfg.Control.APIKey = opts.APIKey
	}
	if opts.TLSInsecure != nil {
		cfg.Control.TLSInsecure = *opts.TLSInsecure
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := writeFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if log != nil {
		log.Info("updated client config control fields", "path", path)
	}
	return nil
}

// loadConfig reads path, or the embedded sample when path does not exist.
// Unlike config.Load it accepts a config that is still missing base_url.
func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data = embeddedConfig
	} else if err != nil {
		return nil, err
	}

	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
