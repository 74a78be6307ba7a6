// Package config loads the settings recognized by every twitchcore process
// (§6.5 of the spec) from environment variables and an optional .env file,
// the same precedence the teacher used: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Core holds every option listed in spec.md §6.5. Every cmd/* binary loads
// this struct directly; process-specific settings (listen addr, socket
// paths, binary-specific tunables) are fields of it as well.
type Core struct {
	StaleTimeout             time.Duration `env:"STALE_TIMEOUT" envDefault:"60s"`
	HeartbeatInterval        time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HealthCheckInterval      time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	MaxCrashCount            int           `env:"MAX_CRASH_COUNT" envDefault:"3"`
	DataRetentionDays        int           `env:"DATA_RETENTION_DAYS" envDefault:"7"`
	EventsubReconcileInterval time.Duration `env:"EVENTSUB_RECONCILE_INTERVAL" envDefault:"60s"`
	EventsubReqRatePerSec    float64       `env:"EVENTSUB_REQ_RATE_PER_S" envDefault:"1.5"`
	EventsubReqJitterMs      int           `env:"EVENTSUB_REQ_JITTER_MS" envDefault:"225"`
	WSBackoffBase            time.Duration `env:"WS_BACKOFF_BASE" envDefault:"2s"`
	WSBackoffMax             time.Duration `env:"WS_BACKOFF_MAX" envDefault:"60s"`
	MaxCostRetryAttempts     int           `env:"MAX_COST_RETRY_ATTEMPTS" envDefault:"3"`
	SessionHandshakeTimeout  time.Duration `env:"SESSION_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	CostBudget               int           `env:"EVENTSUB_COST_BUDGET" envDefault:"10000"`

	HubSocketPath     string `env:"HUB_SOCKET_PATH" envDefault:"/tmp/twitchcore/hub.sock"`
	MonitorSocketPath string `env:"MONITOR_SOCKET_PATH" envDefault:"/tmp/twitchcore/monitor.sock"`

	CredentialStoreEndpoint string `env:"CREDENTIAL_STORE_ENDPOINT" envDefault:""`
	ChannelsFile            string `env:"CHANNELS_FILE" envDefault:"channels.yaml"`

	EventsubURL       string `env:"EVENTSUB_URL" envDefault:"https://api.twitch.tv/helix/eventsub"`
	EventsubWSURL     string `env:"EVENTSUB_WS_URL" envDefault:"wss://eventsub.wss.twitch.tv/ws"`
	EventsubBotUserID string `env:"EVENTSUB_BOT_USER_ID" envDefault:""`
	EventsubToken     string `env:"EVENTSUB_TOKEN" envDefault:""`

	SupervisorInterStartDelay    time.Duration `env:"SUPERVISOR_INTER_START_DELAY" envDefault:"500ms"`
	SupervisorRestartBackoffBase time.Duration `env:"SUPERVISOR_RESTART_BACKOFF_BASE" envDefault:"1s"`
	SupervisorRestartBackoffCap  time.Duration `env:"SUPERVISOR_RESTART_BACKOFF_CAP" envDefault:"60s"`
	SupervisorStopTimeout        time.Duration `env:"SUPERVISOR_STOP_TIMEOUT" envDefault:"10s"`
	SupervisorCommandTimeout     time.Duration `env:"SUPERVISOR_COMMAND_TIMEOUT" envDefault:"10s"`

	RegistryPath string `env:"REGISTRY_PATH" envDefault:"/var/lib/twitchcore/registry.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Load reads .env (if present) then parses environment variables into dst,
// which must embed Core (or be Core itself). logger may be nil during very
// early startup, before a structured logger exists.
func Load(dst any, logger *zerolog.Logger) error {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	if err := env.Parse(dst); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Validate checks the cross-field invariants the spec calls out explicitly:
// thresholds in range, rates positive, retry counts sane.
func (c *Core) Validate() error {
	if c.MaxCrashCount < 1 {
		return fmt.Errorf("MAX_CRASH_COUNT must be > 0, got %d", c.MaxCrashCount)
	}
	if c.EventsubReqRatePerSec <= 0 {
		return fmt.Errorf("EVENTSUB_REQ_RATE_PER_S must be > 0, got %.2f", c.EventsubReqRatePerSec)
	}
	if c.MaxCostRetryAttempts < 0 {
		return fmt.Errorf("MAX_COST_RETRY_ATTEMPTS must be >= 0, got %d", c.MaxCostRetryAttempts)
	}
	if c.CostBudget < 0 {
		return fmt.Errorf("EVENTSUB_COST_BUDGET must be >= 0, got %d", c.CostBudget)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %s)", c.LogLevel)
	}
	return nil
}

// LogFields logs the loaded configuration as structured fields, matching the
// teacher's Config.LogConfig.
func (c *Core) LogFields(logger zerolog.Logger) {
	logger.Info().
		Dur("stale_timeout", c.StaleTimeout).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("health_check_interval", c.HealthCheckInterval).
		Int("max_crash_count", c.MaxCrashCount).
		Int("data_retention_days", c.DataRetentionDays).
		Dur("eventsub_reconcile_interval", c.EventsubReconcileInterval).
		Float64("eventsub_req_rate_per_s", c.EventsubReqRatePerSec).
		Int("eventsub_req_jitter_ms", c.EventsubReqJitterMs).
		Dur("ws_backoff_base", c.WSBackoffBase).
		Dur("ws_backoff_max", c.WSBackoffMax).
		Int("max_cost_retry_attempts", c.MaxCostRetryAttempts).
		Str("hub_socket_path", c.HubSocketPath).
		Str("monitor_socket_path", c.MonitorSocketPath).
		Str("registry_path", c.RegistryPath).
		Msg("configuration loaded")
}
