package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleYAML = `
bots:
  - id: sales
    telegram:
      token: "123:abc"
      owner_user_ids: [42]
engagement:
  timezone: America/Sao_Paulo
  window: {start_hour: 9, end_hour: 22}
  limits: {per_minute: 8, per_hour: 120, per_day: 400, per_contact_per_day: 2}
  step_delays: ["0s", "24h", "48h", "72h"]
  messages:
    step0: "Oi {{NOME}}"
storage:
  driver: memory
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Bots) != 1 || cfg.Bots[0].ID != "sales" {
		t.Fatalf("bots = %+v", cfg.Bots)
	}
	if cfg.Engagement.Window.EndHour != 22 || cfg.Engagement.Limits.PerDay != 400 {
		t.Fatalf("engagement = %+v", cfg.Engagement)
	}
	if got := cfg.Engagement.Messages["step0"]; got != "Oi {{NOME}}" {
		t.Fatalf("step0 = %q", got)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"bots":[],"nope":1}`))
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
	_, err = Decode("c.json", []byte(`{"bots":[]} {}`))
	if err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{Bots: []BotConfig{{ID: "a", Telegram: TelegramConfig{Token: "t"}}}}
	}
	neg := -1
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"no bots", func(c *Config) { c.Bots = nil }, "at least one bot"},
		{"dup id", func(c *Config) { c.Bots = append(c.Bots, c.Bots[0]) }, "duplicate"},
		{"bad id", func(c *Config) { c.Bots[0].ID = "a/b" }, "must not contain"},
		{"missing token", func(c *Config) { c.Bots[0].Telegram.Token = "" }, "FUNNELBOT_A_TOKEN"},
		{"disabled without token", func(c *Config) { c.Bots[0].Telegram.Token = ""; c.Bots[0].Disabled = true }, ""},
		{"window order", func(c *Config) { c.Engagement.Window = WindowConfig{StartHour: 22, EndHour: 9} }, "start_hour"},
		{"window range", func(c *Config) { c.Engagement.Window = WindowConfig{StartHour: 9, EndHour: 25} }, "0..24"},
		{"negative limit", func(c *Config) { c.Engagement.Limits.PerHour = -1 }, "limits"},
		{"bad duration", func(c *Config) { c.Engagement.PauseFor = "3 days" }, "pause_for"},
		{"bad step", func(c *Config) { c.Engagement.StepDelays = []string{"0s", "x"} }, "step_delays[1]"},
		{"bad tz", func(c *Config) { c.Engagement.Timezone = "Mars/Base" }, "timezone"},
		{"negative retries", func(c *Config) { c.Queue.MaxRetries = &neg }, "max_retries"},
		{"redis needs url", func(c *Config) { c.Storage.Driver = "redis" }, "storage.url"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "unknown"},
		{"public http needs token", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "0.0.0.0:8080"} }, "http.token"},
		{"loopback http", func(c *Config) { c.HTTP = HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080"} }, ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mut(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FUNNELBOT_SALES_2_TOKEN", "per-bot")
	t.Setenv("FUNNELBOT_TOKEN", "shared")
	t.Setenv("FUNNELBOT_API_TOKEN", "api")
	t.Setenv("FUNNELBOT_DATA_DIR", "/var/lib/funnelbot")

	cfg := &Config{Bots: []BotConfig{{ID: "sales-2"}, {ID: "support"}, {ID: "third"}}}
	ApplyEnv(cfg)
	if cfg.Bots[0].Telegram.Token != "per-bot" {
		t.Fatalf("bot0 token = %q", cfg.Bots[0].Telegram.Token)
	}
	if cfg.Bots[1].Telegram.Token != "shared" || cfg.Bots[2].Telegram.Token != "" {
		t.Fatalf("shared token applied to %q / %q", cfg.Bots[1].Telegram.Token, cfg.Bots[2].Telegram.Token)
	}
	if cfg.HTTP.Token != "api" || cfg.Storage.Path != "/var/lib/funnelbot" {
		t.Fatalf("http=%q storage=%q", cfg.HTTP.Token, cfg.Storage.Path)
	}
}

func TestLoadDotEnvMissingFileIsFine(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	t.Setenv("FUNNELBOT_API_TOKEN", "from-shell")
	p := writeFile(t, ".env", "FUNNELBOT_API_TOKEN=from-file\nFUNNELBOT_TEST_ONLY=1\n")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("FUNNELBOT_TEST_ONLY") })
	if got := os.Getenv("FUNNELBOT_API_TOKEN"); got != "from-shell" {
		t.Fatalf("api token = %q", got)
	}
	if os.Getenv("FUNNELBOT_TEST_ONLY") != "1" {
		t.Fatal("new variable not loaded")
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Bots:    []BotConfig{{ID: "a", Telegram: TelegramConfig{Token: "secret-1"}}},
		Storage: StorageConfig{Driver: "redis", URL: "redis://:pw@host/0"},
	}
	newCfg := &Config{
		Bots:    []BotConfig{{ID: "a", Telegram: TelegramConfig{Token: "secret-2"}}, {ID: "b"}},
		Storage: StorageConfig{Driver: "redis", URL: "redis://:pw2@host/0"},
		HTTP:    HTTPConfig{Enabled: true, Token: "api-secret"},
	}
	sections, attrs, bots := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"bots": true, "storage": true, "http": true}
	if len(sections) != len(want) {
		t.Fatalf("sections = %v", sections)
	}
	for _, s := range sections {
		if !want[s] {
			t.Fatalf("unexpected section %q", s)
		}
	}
	if len(bots) != 2 {
		t.Fatalf("bots = %v", bots)
	}
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("config changed")
	for _, secret := range []string{"secret", "pw@", "pw2@"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("log line %s leaks %q", buf.String(), secret)
		}
	}
}

func TestWatchPublishesReload(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "per_day: 400", "per_day: 300", 1)
	if err := os.WriteFile(p, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Engagement.Limits.PerDay != 300 {
			t.Fatalf("per_day = %d", cfg.Engagement.Limits.PerDay)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
}

func TestParseDurationDaysAndWeeks(t *testing.T) {
	t.Parallel()
	day := 24 * time.Hour
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "90s", want: 90 * time.Second},
		{in: "30d", want: 30 * day},
		{in: "1w", want: 7 * day},
		{in: "1d12h", want: day + 12*time.Hour},
		{in: "2w3d", want: 17 * day},
		{in: " 0d ", want: 0},
		{in: "1.5d", wantErr: true},
		{in: "10", wantErr: true},
		{in: "d", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseDuration(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseDuration(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}

	if _, err := ParseDurationField("engagement.pause_for", "-1h"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default = %v, %v", d, err)
	}
}
