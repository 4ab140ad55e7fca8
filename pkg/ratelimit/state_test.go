package ratelimit

import "testing"

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "disabled ignores limits", cfg: Config{}, wantErr: false},
		{name: "valid delay", cfg: Config{Enabled: true, MaxRequestsPerSecond: 5, BurstSize: 1, Strategy: StrategyDelay}},
		{name: "valid drop", cfg: Config{Enabled: true, MaxRequestsPerSecond: 0.5, BurstSize: 3, Strategy: StrategyDrop}},
		{name: "zero rate", cfg: Config{Enabled: true, BurstSize: 1}, wantErr: true},
		{name: "zero burst", cfg: Config{Enabled: true, MaxRequestsPerSecond: 1}, wantErr: true},
		{name: "unknown strategy", cfg: Config{Enabled: true, MaxRequestsPerSecond: 1, BurstSize: 1, Strategy: "queue"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("DefaultConfig() should be disabled")
	}
	if cfg.Strategy != StrategyDelay {
		t.Errorf("Strategy = %v, want %v", cfg.Strategy, StrategyDelay)
	}
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("enabled DefaultConfig() invalid: %v", err)
	}
}
