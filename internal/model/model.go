package model

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const redacted = "[redacted]"

// ServerConfig is the tunnel endpoint fetched from the control plane.
type ServerConfig struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Type            string `json:"type,omitempty"`
	ServerAddress   string `json:"server_address"`
	Port            int    `json:"port"`
	Protocol        string `json:"protocol"`
	CredentialsBlob string `json:"credentials,omitempty"`
}

// LogValue keeps the credentials blob out of logs.
func (c ServerConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("server", c.ServerAddress),
		slog.Int("port", c.Port),
		slog.String("protocol", c.Protocol),
	)
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) String() string {
	return c.Username + ":" + redacted
}

func (c Credentials) GoString() string {
	return fmt.Sprintf("model.Credentials{Username:%q, Password:%q}", c.Username, redacted)
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("password", redacted),
	)
}

// DecodeCredentials resolves the credentials for a server. A non-empty blob
// wins over fallback; it may be JSON ({"username","password"}) or "user:pass".
func DecodeCredentials(cfg ServerConfig, fallback Credentials) (Credentials, error) {
	blob := strings.TrimSpace(cfg.CredentialsBlob)
	if blob == "" {
		return fallback, nil
	}
	if strings.HasPrefix(blob, "{") {
		var c Credentials
		if err := json.Unmarshal([]byte(blob), &c); err != nil {
			return Credentials{}, fmt.Errorf("decode %s credentials: invalid json", cfg.Protocol)
		}
		if c.Username == "" {
			c.Username = fallback.Username
		}
		return c, nil
	}
	user, pass, ok := strings.Cut(blob, ":")
	if !ok {
		return Credentials{}, fmt.Errorf("decode %s credentials: expected user:pass", cfg.Protocol)
	}
	return Credentials{Username: user, Password: pass}, nil
}

type ByteCountEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
}

type ActivityLogEntry struct {
	AppUserID     string `json:"app_user_id"`
	Domain        string `json:"domain"`
	Application   string `json:"application"`
	BytesSent     int64  `json:"bytes_sent"`
	BytesReceived int64  `json:"bytes_received"`
	Status        string `json:"status"`
}

type User struct {
	ID                 string `json:"id"`
	Username           string `json:"username"`
	AppID              string `json:"app_id,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
	ExpiryDate         string `json:"expiry_date,omitempty"`
}

type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type AppInfo struct {
	ID          string `json:"id"`
	AppName     string `json:"app_name"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url,omitempty"`
}
