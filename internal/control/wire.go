package control

import (
	"encoding/json"
	"strconv"

	"github.com/najahiiii/tunnel-client/internal/model"
)

// flexID accepts ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// flexInt accepts a port sent as a number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*f = flexInt(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexText keeps a field that may be a JSON string or an embedded object
// as plain text.
type flexText string

func (f *flexText) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexText(s)
		return nil
	}
	*f = flexText(b)
	return nil
}

type wireUser struct {
	ID                 flexID `json:"id"`
	Username           string `json:"username"`
	AppID              flexID `json:"app_id"`
	SubscriptionStatus string `json:"subscription_status"`
	ExpiryDate         string `json:"expiry_date"`
}

func (u wireUser) model() model.User {
	return model.User{
		ID:                 string(u.ID),
		Username:           u.Username,
		AppID:              string(u.AppID),
		SubscriptionStatus: u.SubscriptionStatus,
		ExpiryDate:         u.ExpiryDate,
	}
}

type wireConfig struct {
	ID            flexID   `json:"id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	ServerAddress string   `json:"server_address"`
	Port          flexInt  `json:"port"`
	Protocol      string   `json:"protocol"`
	Credentials   flexText `json:"credentials"`
}

func (c wireConfig) model() model.ServerConfig {
	return model.ServerConfig{
		ID:              string(c.ID),
		Name:            c.Name,
		Type:            c.Type,
		ServerAddress:   c.ServerAddress,
		Port:            int(c.Port),
		Protocol:        c.Protocol,
		CredentialsBlob: string(c.Credentials),
	}
}

type wireApp struct {
	ID          flexID `json:"id"`
	AppName     string `json:"app_name"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
}

func (a wireApp) model() model.AppInfo {
	return model.AppInfo{
		ID:          string(a.ID),
		AppName:     a.AppName,
		Version:     a.Version,
		DownloadURL: a.DownloadURL,
	}
}
