package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
broker:
  rest_base_url: "https://api.example.com"
  ws_url: "wss://stream.example.com/ws"
  app_key: "key"
  app_secret: "secret"
universe:
  symbols: ["005930", "000660"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.Stream.SubscriptionCap != 41 {
		t.Errorf("SubscriptionCap = %d, want 41", cfg.Stream.SubscriptionCap)
	}
	if cfg.Planner.TopK != 20 {
		t.Errorf("TopK = %d, want 20", cfg.Planner.TopK)
	}
	if cfg.Poll.Interval != 5*time.Second {
		t.Errorf("Poll.Interval = %v, want 5s", cfg.Poll.Interval)
	}
	if cfg.Poll.DegradedInterval != time.Second {
		t.Errorf("Poll.DegradedInterval = %v, want 1s", cfg.Poll.DegradedInterval)
	}
	if cfg.Labeler.Threshold != 0.05 {
		t.Errorf("Labeler.Threshold = %v, want 0.05", cfg.Labeler.Threshold)
	}
	if cfg.Labeler.ForwardWindow != 60*time.Minute {
		t.Errorf("Labeler.ForwardWindow = %v, want 60m", cfg.Labeler.ForwardWindow)
	}
	if cfg.Trainer.Trials != 25 {
		t.Errorf("Trainer.Trials = %d, want 25", cfg.Trainer.Trials)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("Breaker = %+v, want threshold 5 / cooldown 30s", cfg.Breaker)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing app key",
			mutate: func(c *Config) { c.Broker.AppKey = "" },
			want:   "app_key",
		},
		{
			name:   "empty universe",
			mutate: func(c *Config) { c.Universe.Symbols = nil; c.Universe.File = "" },
			want:   "universe",
		},
		{
			name:   "top_k over cap",
			mutate: func(c *Config) { c.Planner.TopK = 30 },
			want:   "subscription_cap",
		},
		{
			name:   "bad threshold strategy",
			mutate: func(c *Config) { c.Trainer.ThresholdStrategy = "accuracy" },
			want:   "threshold_strategy",
		},
		{
			name:   "nats sink without url",
			mutate: func(c *Config) { c.Sink.Kind = "nats"; c.Sink.NATSURL = "" },
			want:   "nats_url",
		},
		{
			name:   "bad session clock",
			mutate: func(c *Config) { c.Session.Open = "25:99" },
			want:   "session.open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSessionBounds(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}

	loc, _ := time.LoadLocation("Asia/Seoul")
	now := time.Date(2026, 3, 10, 11, 30, 0, 0, loc)
	open, end, err := cfg.SessionBounds(now)
	if err != nil {
		t.Fatalf("SessionBounds() error = %v", err)
	}
	if open.Hour() != 9 || open.Minute() != 0 {
		t.Errorf("open = %v, want 09:00", open)
	}
	if end.Hour() != 15 || end.Minute() != 30 {
		t.Errorf("close = %v, want 15:30", end)
	}
	if !open.Before(now) || !end.After(now) {
		t.Errorf("now %v not inside [%v, %v]", now, open, end)
	}
}

func TestStaleness(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Staleness(); got != 25*time.Second {
		t.Errorf("Staleness() = %v, want 25s (5 × 5s)", got)
	}
}

func TestLoadUniverse(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "universe.txt")
	content := "000660\n# comment line\n035420\n\n005930\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Universe.File = file
	cfg.Universe.Size = 3

	syms, err := cfg.LoadUniverse()
	if err != nil {
		t.Fatalf("LoadUniverse() error = %v", err)
	}
	// Inline first, file appended, duplicates collapsed, truncated to 3.
	want := []string{"005930", "000660", "035420"}
	if len(syms) != len(want) {
		t.Fatalf("LoadUniverse() = %v, want %v", syms, want)
	}
	for i := range want {
		if syms[i] != want[i] {
			t.Errorf("symbol[%d] = %q, want %q", i, syms[i], want[i])
		}
	}
}
