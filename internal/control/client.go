package control

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/najahiiii/tunnel-client/internal/config"
	"github.com/najahiiii/tunnel-client/internal/model"

	"log/slog"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoToken      = errors.New("no auth token")
)

type Client struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

func NewClient(cfg *config.Config, log *slog.Logger) *Client {
	tr := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig: &tls.Config{ //nolint:gosec
			InsecureSkipVerify: cfg.Control.TLSInsecure,
			MinVersion:         tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.Control.BaseURL, "/"),
		client:  &http.Client{Transport: tr, Timeout: cfg.ControlTimeout()},
		log:     log,
	}
}

func auth(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
		rd = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a 2xx body into out. Non-2xx answers become
// "<op> http <code>: <message>" errors.
func (c *Client) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.log.Debug("control request", "op", op, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := errorMessage(b)
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%s http %d: %s: %w", op, resp.StatusCode, msg, ErrUnauthorized)
		}
		return fmt.Errorf("%s http %d: %s", op, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return strings.TrimSpace(string(body))
}

// Login exchanges app user credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password, appID string) (*model.LoginResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "auth/app/login", map[string]string{
		"username": username,
		"password": password,
		"app_id":   appID,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Success bool     `json:"success"`
		Token   string   `json:"token"`
		User    wireUser `json:"user"`
	}
	if err := c.do(req, "login", &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Token == "" {
		return nil, fmt.Errorf("login: empty token in response")
	}
	user := resp.User.model()
	user.AppID = appID
	return &model.LoginResult{Token: resp.Token, User: user}, nil
}

// GetConfig fetches the tunnel server configuration configID.
func (c *Client) GetConfig(ctx context.Context, configID, token string) (*model.ServerConfig, error) {
	if token == "" {
		return nil, fmt.Errorf("get config: %w", ErrNoToken)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "admin/config/"+url.PathEscape(configID), nil)
	if err != nil {
		return nil, err
	}
	auth(req, token)

	var resp struct {
		Success bool       `json:"success"`
		Config  wireConfig `json:"config"`
	}
	if err := c.do(req, "get config", &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("get config: unsuccessful response")
	}
	cfg := resp.Config.model()
	return &cfg, nil
}

// SubmitActivity posts one activity log entry.
func (c *Client) SubmitActivity(ctx context.Context, entry model.ActivityLogEntry, token string) error {
	if token == "" {
		return fmt.Errorf("submit activity: %w", ErrNoToken)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "admin/monitoring/log", entry)
	if err != nil {
		return err
	}
	auth(req, token)
	return c.do(req, "submit activity", nil)
}

// VerifyAppKey resolves an app API key to the app it belongs to.
func (c *Client) VerifyAppKey(ctx context.Context, apiKey string) (*model.AppInfo, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "android/verify-key", map[string]string{"api_key": apiKey})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Success bool    `json:"success"`
		App     wireApp `json:"app"`
	}
	if err := c.do(req, "verify key", &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("verify key: unsuccessful response")
	}
	app := resp.App.model()
	return &app, nil
}

// GetApp looks up an app by id.
func (c *Client) GetApp(ctx context.Context, appID string) (*model.AppInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "android/"+url.PathEscape(appID), nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Success bool    `json:"success"`
		App     wireApp `json:"app"`
	}
	if err := c.do(req, "get app", &resp); err != nil {
		return nil, err
	}
	app := resp.App.model()
	return &app, nil
}
