package config

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		APIPort: 0,
		Auctioneer: AuctioneerConfig{
			ScheduleRefreshInterval: 2, // start and middle of each epoch
		},
		Bidder: BidderConfig{
			BidTimeMs: -1000, // 1 second before slot start
		},
		Builder: BuilderConfig{
			JobRetentionSlots: 64,
		},
	}
}
