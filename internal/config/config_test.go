package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "courier/pkg/logx"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAPIKey, EnvMode, EnvHTTPAddr, EnvPort, EnvDBPath} {
		t.Setenv(k, "")
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, "config.yaml", `
http:
  addr: ":8080"
  cors_origins: ["http://localhost:3000"]
storage:
  driver: sqlite
  path: ./data/courier.db
dispatch:
  batch_size: 10
  stagger: 100ms
ratelimit:
  phone_max: 3
`)
	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || len(cfg.HTTP.CORSOrigins) != 1 {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if cfg.Dispatch.BatchSize != 10 || cfg.Dispatch.Stagger != "100ms" || cfg.RateLimit.PhoneMax != 3 {
		t.Fatalf("dispatch = %+v ratelimit = %+v", cfg.Dispatch, cfg.RateLimit)
	}
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, "config.json", `{"http":{"addr":":1"},"bogus":true}`)
	if _, err := NewConfigManager(p).Load(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, "config.json", `{"http":{"addr":":1"}} {}`)
	if _, err := NewConfigManager(p).Load(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAPIKey, " secret ")
	t.Setenv(EnvPort, "7000")
	t.Setenv(EnvDBPath, "/tmp/x.db")
	p := writeFile(t, "config.json", `{"http":{"addr":":5000"},"storage":{"path":"a.db"}}`)

	cfg, err := NewConfigManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.APIKey != "secret" || cfg.HTTP.Addr != ":7000" || cfg.Storage.Path != "/tmp/x.db" {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv(EnvHTTPAddr, "127.0.0.1:9000")
	ApplyEnv(cfg)
	if cfg.HTTP.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %q, explicit address should win over PORT", cfg.HTTP.Addr)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.Dispatch.Stagger = "soon"
	cfg.RateLimit.PhoneMax = -1
	cfg.Verify.CodeLength = 2
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"dispatch.stagger", "ratelimit.phone_max", "verify.code_length"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err %q does not mention %s", err, want)
		}
	}

	prod := &Config{Env: "production"}
	if err := Validate(prod); err == nil || !strings.Contains(err.Error(), EnvAPIKey) {
		t.Fatalf("production without key: err = %v", err)
	}
	prod.Auth.APIKey = "k"
	if err := Validate(prod); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", " 250ms ", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("parsed: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestSummarizeHidesAPIKey(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{Auth: AuthConfig{APIKey: "topsecret"}}
	newCfg.Dispatch.BatchSize = 7

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "auth,dispatch" {
		t.Fatalf("changed = %v", changed)
	}
	var buf bytes.Buffer
	logx.NewJSON(&buf, "info").Info("config reloaded", attrs...)
	if strings.Contains(buf.String(), "topsecret") {
		t.Fatalf("api key leaked: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"auth.api_key_set":true`) {
		t.Fatalf("log = %s", buf.String())
	}
	if got := RequiresRestart(changed); len(got) != 1 || got[0] != "auth" {
		t.Fatalf("RequiresRestart = %v", got)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{Env: "a"}, &Config{Env: "b"}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("got %q, want newest", got.Env)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after Unsubscribe")
	}
}

func TestReloadAppliesValidator(t *testing.T) {
	clearEnv(t)
	p := writeFile(t, "config.json", `{"env":"dev"}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	if m.reload(context.Background()) {
		t.Fatal("unchanged file was republished")
	}

	if err := os.WriteFile(p, []byte(`{"env":"staging"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	if m.reload(context.Background()) {
		t.Fatal("rejected config was published")
	}
	m.SetValidator(nil)
	if !m.reload(context.Background()) {
		t.Fatal("changed config was not published")
	}
	if got := <-ch; got.Env != "staging" || m.Get().Env != "staging" {
		t.Fatalf("got %q", got.Env)
	}
}
