// Package config handles configuration loading and validation for the auctioneer.
package config

import "time"

// Config represents the complete configuration for the auctioneer application.
type Config struct {
	BuilderPrivkey string           `yaml:"builder_privkey" json:"builder_privkey,omitempty"`
	CLClient       string           `yaml:"cl_client" json:"cl_client,omitempty"`
	ELEngineAPI    string           `yaml:"el_engine_api" json:"el_engine_api,omitempty"` // Engine API URL
	ELJWTSecret    string           `yaml:"el_jwtsecret" json:"el_jwtsecret,omitempty"`   // Path to JWT secret file for engine API auth
	Relays         []string         `yaml:"relays" json:"relays"`                         // https://0x<pubkey>@host
	APIPort        int              `yaml:"api_port" json:"api_port"`                     // 0 = disabled
	Auctioneer     AuctioneerConfig `yaml:"auctioneer" json:"auctioneer"`
	Bidder         BidderConfig     `yaml:"bidder" json:"bidder"`
	Builder        BuilderConfig    `yaml:"builder" json:"builder"`
}

// AuctioneerConfig configures schedule handling.
type AuctioneerConfig struct {
	// ScheduleRefreshInterval is how many times per epoch relay schedules are fetched.
	ScheduleRefreshInterval uint64 `yaml:"schedule_refresh_interval" json:"schedule_refresh_interval"`
	// VerifyRegistrations checks validator registration signatures from relays.
	VerifyRegistrations bool `yaml:"verify_registrations" json:"verify_registrations"`
}

// BidderConfig configures bid timing.
type BidderConfig struct {
	// BidTimeMs is milliseconds relative to slot start at which to bid.
	// Negative values mean before the slot starts.
	BidTimeMs int64 `yaml:"bid_time_ms" json:"bid_time_ms"`
	// KeepAlive is forwarded with each dispatch but not acted on.
	KeepAlive bool `yaml:"keep_alive" json:"keep_alive"`
}

// BidTime returns the bid offset as a duration.
func (c BidderConfig) BidTime() time.Duration {
	return time.Duration(c.BidTimeMs) * time.Millisecond
}

// BuilderConfig configures the payload builder.
type BuilderConfig struct {
	JobRetentionSlots uint64 `yaml:"job_retention_slots" json:"job_retention_slots"`
}
