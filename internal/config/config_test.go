package config

import (
	"testing"
	"time"

	"github.com/sale-settlement/internal/types"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("POLL_INTERVAL", "45s")
	t.Setenv("BNB_TOKEN_DECIMALS", "6")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Reconcile.PollInterval != 45*time.Second {
		t.Errorf("Reconcile.PollInterval = %v, want %v", cfg.Reconcile.PollInterval, 45*time.Second)
	}

	if cfg.Reconcile.RecencyWindow != 10*time.Minute {
		t.Errorf("Reconcile.RecencyWindow = %v, want %v", cfg.Reconcile.RecencyWindow, 10*time.Minute)
	}

	if got := cfg.Networks[types.NetworkBNB].TokenDecimals; got != 6 {
		t.Errorf("BNB TokenDecimals = %v, want 6", got)
	}
	if got := cfg.Networks[types.NetworkETH].TokenDecimals; got != 18 {
		t.Errorf("ETH TokenDecimals = %v, want 18", got)
	}
}

func TestLoadConfig_NetworkDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if len(cfg.Networks) != len(types.AllNetworks) {
		t.Fatalf("len(Networks) = %d, want %d", len(cfg.Networks), len(types.AllNetworks))
	}

	want := map[types.Network]string{
		types.NetworkETH:   "https://api.etherscan.io/api",
		types.NetworkBNB:   "https://api.bscscan.com/api",
		types.NetworkFTM:   "https://api.ftmscan.com/api",
		types.NetworkMATIC: "https://api.polygonscan.com/api",
	}
	for network, url := range want {
		if got := cfg.Networks[network].ExplorerURL; got != url {
			t.Errorf("%s ExplorerURL = %v, want %v", network, got, url)
		}
		if cfg.Networks[network].USDTAddress == "" {
			t.Errorf("%s USDTAddress is empty", network)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		receiver string
		percent  int
		auth     AuthConfig
		wantErr  bool
	}{
		{name: "valid", receiver: "0x1111111111111111111111111111111111111111", percent: 10},
		{name: "missing receiver", receiver: "", percent: 10, wantErr: true},
		{name: "malformed receiver", receiver: "0x1234", percent: 10, wantErr: true},
		{name: "referral percent out of range", receiver: "0x1111111111111111111111111111111111111111", percent: 150, wantErr: true},
		{name: "distinct gateway secret", receiver: "0x1111111111111111111111111111111111111111", percent: 10, auth: AuthConfig{JWTSecret: "a", GatewaySecret: "b"}},
		{name: "gateway secret reuses buyer secret", receiver: "0x1111111111111111111111111111111111111111", percent: 10, auth: AuthConfig{JWTSecret: "a", GatewaySecret: "a"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Networks:  loadNetworkConfigs(),
				Reconcile: ReconcileConfig{ReceiverAddress: tt.receiver},
				Referral:  ReferralConfig{Percent: tt.percent},
				Auth:      tt.auth,
			}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{name: "returns integer when valid", key: "TEST_INT", defaultValue: 100, envValue: "200", want: 200},
		{name: "returns default when invalid", key: "TEST_INT_INVALID", defaultValue: 100, envValue: "invalid", want: 100},
		{name: "returns default when not set", key: "TEST_INT_NOTSET", defaultValue: 100, envValue: "", want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_BOOL_INVALID", "maybe")

	if !getEnvAsBool("TEST_BOOL", false) {
		t.Errorf("getEnvAsBool(TEST_BOOL) = false, want true")
	}
	if getEnvAsBool("TEST_BOOL_INVALID", false) {
		t.Errorf("getEnvAsBool(TEST_BOOL_INVALID) = true, want default false")
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{name: "returns duration when valid", key: "TEST_DURATION", defaultValue: 10 * time.Second, envValue: "30s", want: 30 * time.Second},
		{name: "returns default when invalid", key: "TEST_DURATION_INVALID", defaultValue: 10 * time.Second, envValue: "invalid", want: 10 * time.Second},
		{name: "returns default when not set", key: "TEST_DURATION_NOTSET", defaultValue: 10 * time.Second, envValue: "", want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
