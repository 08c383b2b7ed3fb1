package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  addr: ":8080"
  api_key: secret
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./data
sessions:
  provider: simulated
  ready_grace: 0s
  simulated:
    link_delay: 10ms
dispatch:
  text_delay: 1s
  media_delay: 2s
  check_address: true
maintenance:
  prune_sessions: "@every 10m"
templates:
  welcome: "Hello {{name}}"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "msgate.yaml", sampleYAML)

	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.APIKey != "secret" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Dispatch.CheckAddress {
		t.Fatal("dispatch.check_address not decoded")
	}
	if cfg.Templates["welcome"] != "Hello {{name}}" {
		t.Fatalf("templates = %v", cfg.Templates)
	}
	grace, err := ParseOptionalDuration("sessions.ready_grace", cfg.Sessions.ReadyGrace, 2*time.Second)
	if err != nil || grace != 0 {
		t.Fatalf("ready_grace = %v, %v; want explicit 0", grace, err)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "msgate.json", `{"server":{"addr":":9"},"sessions":{"provider":"telegram","telegram":{"tokens":{"shop":"123:abc"}}}}`)

	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if ProviderKind(cfg.Sessions.Provider) != ProviderTelegram {
		t.Fatalf("provider = %q", cfg.Sessions.Provider)
	}
	if cfg.Sessions.Telegram.Tokens["shop"] != "123:abc" {
		t.Fatalf("tokens = %v", cfg.Sessions.Telegram.Tokens)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown json field", path: "c.json", body: `{"server":{"adr":":1"}}`},
		{name: "unknown yaml field", path: "c.yaml", body: "sessions:\n  provder: simulated\n"},
		{name: "trailing json", path: "c.json", body: `{} {}`},
		{name: "bad yaml", path: "c.yml", body: "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("Decode(%q) succeeded, want error", tt.body)
			}
		})
	}
}

func TestDecodeYAMLAnchorsAndSniffing(t *testing.T) {
	t.Parallel()
	body := `
x-delays: &delays
  text_delay: 3s
  media_delay: 4s
dispatch:
  <<: *delays
  media_delay: 5s
templates:
  hi: "Hi {{name}}"
`
	cfg, err := Decode("msgate.conf", []byte(body))
	if err == nil {
		t.Fatalf("unknown top-level key accepted: %+v", cfg)
	}

	body = strings.Replace(body, "x-delays: &delays\n  text_delay: 3s\n  media_delay: 4s\n", "", 1)
	body = strings.Replace(body, "  <<: *delays\n", "  <<: {text_delay: 3s, media_delay: 4s}\n", 1)
	cfg, err = Decode("msgate.conf", []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatch.TextDelay != "3s" || cfg.Dispatch.MediaDelay != "5s" {
		t.Fatalf("merge keys: text=%q media=%q", cfg.Dispatch.TextDelay, cfg.Dispatch.MediaDelay)
	}
	if cfg.Templates["hi"] != "Hi {{name}}" {
		t.Fatalf("templates = %v", cfg.Templates)
	}

	if _, err := Decode("msgate", []byte(`{"templates":{"a":"b"}}`)); err != nil {
		t.Fatalf("JSON without extension: %v", err)
	}
	if _, err := Decode("empty.yaml", nil); err != nil {
		t.Fatalf("empty YAML: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "zero config is valid", mutate: func(*Config) {}},
		{name: "bad duration", mutate: func(c *Config) { c.Dispatch.SendTimeout = "soon" }, wantErr: "dispatch.send_timeout"},
		{name: "negative duration", mutate: func(c *Config) { c.Sessions.InitTimeout = "-1s" }, wantErr: "sessions.init_timeout"},
		{name: "unknown provider", mutate: func(c *Config) { c.Sessions.Provider = "carrier-pigeon" }, wantErr: "sessions.provider"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "tape"} }, wantErr: "storage.driver"},
		{name: "storage path required", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, wantErr: "storage.path"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "bad cron", mutate: func(c *Config) { c.Maintenance.Restore = "every day" }, wantErr: "maintenance.restore"},
		{name: "bad default id", mutate: func(c *Config) { c.Sessions.DefaultID = "../etc" }, wantErr: "sessions.default_id"},
		{name: "bad bcrypt", mutate: func(c *Config) { c.Server.APIKeyBcrypt = "plain" }, wantErr: "server.api_key_bcrypt"},
		{name: "negative workers", mutate: func(c *Config) { c.Dispatch.Workers = -1 }, wantErr: "dispatch.workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()
	c := Config{}
	c.Dispatch.TextDelay = "x"
	c.Dispatch.MediaDelay = "y"
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"dispatch.text_delay", "dispatch.media_delay"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "0s", time.Second); err != nil || d != time.Second {
		t.Fatalf("zero = %v, %v", d, err)
	}
	if d, err := ParseOptionalDuration("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("optional empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "1 minute"); err == nil || !strings.HasPrefix(err.Error(), "x:") {
		t.Fatalf("bad duration error = %v", err)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Server.APIKey = "topsecret"
	newCfg.Sessions.Telegram.Tokens = map[string]string{"shop": "123:token"}
	newCfg.Storage = &StorageConfig{Driver: "file", Path: "/var/lib/msgate", Passphrase: "hunter2"}
	newCfg.Templates = map[string]string{"a": "b"}

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	for _, want := range []string{"server", "storage", "sessions", "templates"} {
		if !slices.Contains(changed, want) {
			t.Fatalf("changed = %v, missing %s", changed, want)
		}
	}
	if !slices.Contains(restart, "storage") || !slices.Contains(restart, "sessions") {
		t.Fatalf("restartOnly = %v", restart)
	}
	if slices.Contains(restart, "templates") {
		t.Fatalf("templates should be hot-reloadable: %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

func TestReloadSkipsUnchangedAndInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "msgate.yaml", sampleYAML)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(1)
	ctx := context.Background()

	// comments and formatting do not change the decoded config
	writeFile(t, dir, "msgate.yaml", "# edited\n"+sampleYAML)
	if m.reload(ctx) {
		t.Fatal("reload published an unchanged config")
	}

	writeFile(t, dir, "msgate.yaml", strings.Replace(sampleYAML, "level: debug", "level: loud", 1))
	if m.reload(ctx) {
		t.Fatal("reload published an invalid config")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("committed level = %q, want debug", got)
	}

	writeFile(t, dir, "msgate.yaml", strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	if !m.reload(ctx) {
		t.Fatal("reload did not publish a changed config")
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("subscriber got nothing")
	}
}

func TestValidatorRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "msgate.yaml", sampleYAML)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return context.DeadlineExceeded
	})
	writeFile(t, dir, "msgate.yaml", strings.Replace(sampleYAML, "level: debug", "level: info", 1))
	if m.reload(context.Background()) {
		t.Fatal("reload published a config the validator rejected")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-ch; got != second {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
	m.publish(first)
}

func TestWatchPublishesFileChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "msgate.yaml", sampleYAML)
	m := NewManager(p)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updated := strings.Replace(sampleYAML, "level: debug", "level: error", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "error" {
				t.Fatalf("published level = %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			// rewrite until the watcher has been registered
			writeFile(t, dir, "msgate.yaml", updated)
		case <-deadline:
			t.Fatal("no config published after file change")
		}
	}
}

func TestWatchPicksUpEditBeforeStart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "msgate.yaml", sampleYAML)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(4)

	// written once, before any watch exists
	writeFile(t, dir, "msgate.yaml", strings.Replace(sampleYAML, "level: debug", "level: warn", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("edit made before Watch was never published")
	}
}
