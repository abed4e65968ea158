// Package config loads client configuration from an optional JSON file
// with environment-variable overrides.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/aldenis/chatwire/internal/logger"
)

type Config struct {
	ServerURL string `json:"server_url"`
	DebugAddr string `json:"debug_addr"` // health/state/metrics listener, empty disables

	KeepaliveSec     int `json:"keepalive_sec"`
	DialTimeoutSec   int `json:"dial_timeout_sec"`
	SendRetryDelayMS int `json:"send_retry_delay_ms"`

	Reconnect struct {
		BaseDelayMS int     `json:"base_delay_ms"`
		Factor      float64 `json:"factor"`
		MaxAttempts int     `json:"max_attempts"`
	} `json:"reconnect"`

	Auth struct {
		UserID    string `json:"user_id"`
		Token     string `json:"token"`
		TokenFile string `json:"token_file"`
	} `json:"auth"`

	Attachments struct {
		Bucket    string `json:"bucket"`
		Prefix    string `json:"prefix"`
		Region    string `json:"region"`
		MaxSizeMB int    `json:"max_size_mb"`
	} `json:"attachments"`

	Log logger.Config `json:"log"`
}

func Default() Config {
	var c Config
	c.ServerURL = "ws://localhost:8000/ws"
	c.DebugAddr = ""
	c.KeepaliveSec = 30
	c.DialTimeoutSec = 15
	c.SendRetryDelayMS = 1500
	c.Reconnect.BaseDelayMS = 2000
	c.Reconnect.Factor = 1.5
	c.Reconnect.MaxAttempts = 5
	c.Attachments.Prefix = "attachments/"
	c.Attachments.MaxSizeMB = 25
	c.Log = logger.DefaultConfig()
	return c
}

// Load reads the config file at path, starting from defaults. A missing
// file is not an error; a malformed one is. Environment variables
// CHATWIRE_SERVER_URL, CHATWIRE_USER_ID, CHATWIRE_TOKEN, and
// CHATWIRE_TOKEN_FILE override the file.
func Load(path string) (Config, error) {
	config := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return config, err
			}
		} else {
			defer file.Close()
			if err := json.NewDecoder(file).Decode(&config); err != nil {
				return config, err
			}
		}
	}

	if v := os.Getenv("CHATWIRE_SERVER_URL"); v != "" {
		config.ServerURL = v
	}
	if v := os.Getenv("CHATWIRE_USER_ID"); v != "" {
		config.Auth.UserID = v
	}
	if v := os.Getenv("CHATWIRE_TOKEN"); v != "" {
		config.Auth.Token = v
	}
	if v := os.Getenv("CHATWIRE_TOKEN_FILE"); v != "" {
		config.Auth.TokenFile = v
	}
	return config, nil
}

func (c Config) Keepalive() time.Duration      { return time.Duration(c.KeepaliveSec) * time.Second }
func (c Config) DialTimeout() time.Duration    { return time.Duration(c.DialTimeoutSec) * time.Second }
func (c Config) SendRetryDelay() time.Duration { return time.Duration(c.SendRetryDelayMS) * time.Millisecond }
func (c Config) ReconnectBase() time.Duration  { return time.Duration(c.Reconnect.BaseDelayMS) * time.Millisecond }
