package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivkey = "0x0000000000000000000000000000000000000000000000000000000000000001"

func newTestLoader() *Loader {
	log, _ := test.NewNullLogger()
	return NewLoader(log)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, uint64(2), cfg.Auctioneer.ScheduleRefreshInterval)
	assert.Equal(t, int64(-1000), cfg.Bidder.BidTimeMs)
	assert.Equal(t, -time.Second, cfg.Bidder.BidTime())
	assert.Equal(t, uint64(64), cfg.Builder.JobRetentionSlots)
	require.NoError(t, ValidateConfig(cfg))
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "auctioneer.yaml", `
builder_privkey: "`+testPrivkey+`"
cl_client: http://localhost:5052
relays:
  - https://0xab@relay-a.example.com
  - https://0xcd@relay-b.example.com
api_port: 9090
auctioneer:
  verify_registrations: true
bidder:
  keep_alive: true
`)

	cfg, err := newTestLoader().LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, testPrivkey, cfg.BuilderPrivkey)
	assert.Equal(t, "http://localhost:5052", cfg.CLClient)
	assert.Len(t, cfg.Relays, 2)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.True(t, cfg.Auctioneer.VerifyRegistrations)
	assert.Equal(t, uint64(2), cfg.Auctioneer.ScheduleRefreshInterval, "unset values keep defaults")
	assert.True(t, cfg.Bidder.KeepAlive)
	assert.Equal(t, int64(-1000), cfg.Bidder.BidTimeMs)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := newTestLoader().LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := writeFile(t, "bad.yaml", "relays: [unterminated")
	_, err = newTestLoader().LoadConfig(path)
	require.Error(t, err)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "auctioneer.yaml", `
cl_client: http://file:5052
api_port: 9090
bidder:
  keep_alive: true
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("cl-client", "", "")
	flags.Int("api-port", 0, "")
	flags.Int64("bid-time", -1000, "")
	flags.StringSlice("relays", nil, "")

	require.NoError(t, flags.Parse([]string{"--cl-client=http://flag:5052", "--bid-time=-500"}))

	v := viper.New()
	require.NoError(t, v.BindPFlags(flags))

	cfg, err := newTestLoader().Load(path, v)
	require.NoError(t, err)

	assert.Equal(t, "http://flag:5052", cfg.CLClient)
	assert.Equal(t, 9090, cfg.APIPort, "unset flag keeps file value")
	assert.Equal(t, int64(-500), cfg.Bidder.BidTimeMs)
	assert.True(t, cfg.Bidder.KeepAlive, "unset flag keeps file value")
	assert.Empty(t, cfg.Relays)
}

func TestLoadConfigFromFlags(t *testing.T) {
	v := viper.New()
	v.Set("relays", []string{"https://0xab@relay.example.com"})
	v.Set("keep-alive", true)

	cfg, err := newTestLoader().LoadConfigFromFlags(v)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://0xab@relay.example.com"}, cfg.Relays)
	assert.True(t, cfg.Bidder.KeepAlive)
	assert.Equal(t, uint64(64), cfg.Builder.JobRetentionSlots)
}

func TestValidateConfig(t *testing.T) {
	jwtPath := writeFile(t, "jwt.hex", "00")

	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(_ *Config) {}},
		{name: "valid privkey", modify: func(cfg *Config) { cfg.BuilderPrivkey = testPrivkey }},
		{name: "short privkey", modify: func(cfg *Config) { cfg.BuilderPrivkey = "0x1234" }, wantErr: true},
		{name: "non-hex privkey", modify: func(cfg *Config) { cfg.BuilderPrivkey = "xyz" }, wantErr: true},
		{name: "bad cl url", modify: func(cfg *Config) { cfg.CLClient = "://bad" }, wantErr: true},
		{name: "existing jwt", modify: func(cfg *Config) {
			cfg.ELEngineAPI = "http://localhost:8551"
			cfg.ELJWTSecret = jwtPath
		}},
		{name: "missing jwt", modify: func(cfg *Config) {
			cfg.ELEngineAPI = "http://localhost:8551"
			cfg.ELJWTSecret = filepath.Join(t.TempDir(), "missing")
		}, wantErr: true},
		{name: "api port range", modify: func(cfg *Config) { cfg.APIPort = 70000 }, wantErr: true},
		{name: "zero refresh interval", modify: func(cfg *Config) { cfg.Auctioneer.ScheduleRefreshInterval = 0 }, wantErr: true},
		{name: "zero retention", modify: func(cfg *Config) { cfg.Builder.JobRetentionSlots = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := ValidateConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
