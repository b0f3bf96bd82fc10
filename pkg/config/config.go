package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from files and flags.
type Loader struct {
	log logrus.FieldLogger
}

// NewLoader creates a new configuration loader.
func NewLoader(log logrus.FieldLogger) *Loader {
	return &Loader{
		log: log.WithField("component", "config"),
	}
}

// Load builds the configuration from an optional YAML file, overlays flags
// and environment values that were explicitly set, and validates the result.
func (l *Loader) Load(path string, v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		fileCfg, err := l.LoadConfig(path)
		if err != nil {
			return nil, err
		}

		cfg = fileCfg

		l.log.WithField("path", path).Info("Loaded config file")
	}

	l.applyFlags(cfg, v)

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfig loads configuration from a YAML file.
func (l *Loader) LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromFlags loads configuration from viper flags on top of the defaults.
func (l *Loader) LoadConfigFromFlags(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	l.applyFlags(cfg, v)

	return cfg, nil
}

func (l *Loader) applyFlags(cfg *Config, v *viper.Viper) {
	if v == nil {
		return
	}

	// Core settings
	if v.IsSet("builder-privkey") {
		cfg.BuilderPrivkey = v.GetString("builder-privkey")
	}

	if v.IsSet("cl-client") {
		cfg.CLClient = v.GetString("cl-client")
	}

	if v.IsSet("el-engine-api") {
		cfg.ELEngineAPI = v.GetString("el-engine-api")
	}

	if v.IsSet("el-jwtsecret") {
		cfg.ELJWTSecret = v.GetString("el-jwtsecret")
	}

	if v.IsSet("relays") {
		cfg.Relays = v.GetStringSlice("relays")
	}

	if v.IsSet("api-port") {
		cfg.APIPort = v.GetInt("api-port")
	}

	// Auctioneer
	if v.IsSet("schedule-refresh-interval") {
		cfg.Auctioneer.ScheduleRefreshInterval = v.GetUint64("schedule-refresh-interval")
	}

	if v.IsSet("verify-registrations") {
		cfg.Auctioneer.VerifyRegistrations = v.GetBool("verify-registrations")
	}

	// Bidder
	if v.IsSet("bid-time") {
		cfg.Bidder.BidTimeMs = v.GetInt64("bid-time")
	}

	if v.IsSet("keep-alive") {
		cfg.Bidder.KeepAlive = v.GetBool("keep-alive")
	}

	// Builder
	if v.IsSet("job-retention-slots") {
		cfg.Builder.JobRetentionSlots = v.GetUint64("job-retention-slots")
	}
}

// ValidateConfig validates the configuration for consistency and completeness.
func ValidateConfig(cfg *Config) error {
	// Builder private key validation (32 bytes hex)
	if cfg.BuilderPrivkey != "" {
		privkey := strings.TrimPrefix(cfg.BuilderPrivkey, "0x")
		decoded, err := hex.DecodeString(privkey)

		if err != nil {
			return fmt.Errorf("builder_privkey: invalid hex encoding: %w", err)
		}

		if len(decoded) != 32 {
			return fmt.Errorf("builder_privkey: must be 32 bytes, got %d", len(decoded))
		}
	}

	if cfg.CLClient != "" {
		if _, err := url.Parse(cfg.CLClient); err != nil {
			return fmt.Errorf("cl_client: invalid URL: %w", err)
		}
	}

	if cfg.ELEngineAPI != "" {
		if _, err := url.Parse(cfg.ELEngineAPI); err != nil {
			return fmt.Errorf("el_engine_api: invalid URL: %w", err)
		}
	}

	// JWT secret validation (required when engine API is configured)
	if cfg.ELEngineAPI != "" && cfg.ELJWTSecret != "" {
		if _, err := os.Stat(cfg.ELJWTSecret); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("el_jwtsecret: file does not exist: %s", cfg.ELJWTSecret)
		}
	}

	if cfg.APIPort < 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("api_port: out of range: %d", cfg.APIPort)
	}

	if cfg.Auctioneer.ScheduleRefreshInterval == 0 {
		return fmt.Errorf("auctioneer.schedule_refresh_interval must be > 0")
	}

	if cfg.Builder.JobRetentionSlots == 0 {
		return fmt.Errorf("builder.job_retention_slots must be > 0")
	}

	return nil
}
