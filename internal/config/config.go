package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath   string `envconfig:"DATA_PATH" default:"./data"`
	Database   string `envconfig:"DATABASE" default:""`
	Inventory  string `envconfig:"INVENTORY" default:"./servers.yaml"`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8022"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"text"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Host key trust
	AutoAcceptUnknownHosts bool   `envconfig:"AUTO_ACCEPT_UNKNOWN_HOSTS" default:"false"`
	KnownHostsImport       string `envconfig:"KNOWN_HOSTS_IMPORT" default:""`

	// Connections
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"15s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`

	// Command execution
	CommandTimeout    time.Duration `envconfig:"COMMAND_TIMEOUT" default:"2m"`
	TimeoutGrace      time.Duration `envconfig:"TIMEOUT_GRACE" default:"3s"`
	TimeoutDisconnect bool          `envconfig:"TIMEOUT_DISCONNECT" default:"true"`

	// Sessions
	SessionIdleTimeout   time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	SessionSweepSchedule string        `envconfig:"SESSION_SWEEP_SCHEDULE" default:"@every 1m"`

	// Tunnels
	TunnelHealthInterval time.Duration `envconfig:"TUNNEL_HEALTH_INTERVAL" default:"30s"`
	TunnelMaxAttempts    int           `envconfig:"TUNNEL_MAX_ATTEMPTS" default:"8"`
	TunnelBackoffInitial time.Duration `envconfig:"TUNNEL_BACKOFF_INITIAL" default:"1s"`
	TunnelBackoffMax     time.Duration `envconfig:"TUNNEL_BACKOFF_MAX" default:"1m"`

	// Groups
	GroupParallelLimit int `envconfig:"GROUP_PARALLEL_LIMIT" default:"16"`

	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

// Load reads settings from SSHMGR_* environment variables into Cfg.
func Load() error {
	if err := envconfig.Process("SSHMGR", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return Cfg.Validate()
}

// DatabasePath returns the sqlite file, defaulting to fleet.db under DataPath.
func (s Settings) DatabasePath() string {
	if s.Database != "" {
		return s.Database
	}
	return filepath.Join(s.DataPath, "fleet.db")
}

// Validate reports every invalid setting at once.
func (s Settings) Validate() error {
	var errs ValidationErrors
	if s.ConnectTimeout <= 0 {
		errs.Add("CONNECT_TIMEOUT", "must be positive")
	}
	if s.CommandTimeout <= 0 {
		errs.Add("COMMAND_TIMEOUT", "must be positive")
	}
	if s.TimeoutGrace < 0 {
		errs.Add("TIMEOUT_GRACE", "must not be negative")
	}
	if s.SessionIdleTimeout <= 0 {
		errs.Add("SESSION_IDLE_TIMEOUT", "must be positive")
	}
	if s.TunnelHealthInterval <= 0 {
		errs.Add("TUNNEL_HEALTH_INTERVAL", "must be positive")
	}
	if s.TunnelMaxAttempts < 1 {
		errs.Add("TUNNEL_MAX_ATTEMPTS", "must be at least 1")
	}
	if s.TunnelBackoffInitial <= 0 || s.TunnelBackoffMax < s.TunnelBackoffInitial {
		errs.Add("TUNNEL_BACKOFF_MAX", "must be >= TUNNEL_BACKOFF_INITIAL > 0")
	}
	if s.GroupParallelLimit < 1 {
		errs.Add("GROUP_PARALLEL_LIMIT", "must be at least 1")
	}
	return errs.Err()
}
