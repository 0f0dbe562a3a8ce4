package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123"

func TestLoadDefaultsWithSecret(t *testing.T) {
	t.Setenv("SESSION_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Server.Addr)
	}
	if cfg.AI.Provider != ProviderOpenAI || !cfg.AI.Streaming || cfg.AI.Timeout != 30*time.Second {
		t.Fatalf("unexpected AI defaults %+v", cfg.AI)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store.Driver)
	}
	if cfg.Session.TTL != 24*time.Hour {
		t.Fatalf("expected 24h ttl, got %s", cfg.Session.TTL)
	}
}

func TestLoadRecognizedOptions(t *testing.T) {
	t.Setenv("SESSION_SECRET", testSecret)
	t.Setenv("CHAT_CONTEXT_BUDGET", "2048")
	t.Setenv("AI_TIMEOUT", "45")
	t.Setenv("SESSION_TTL", "90m")
	t.Setenv("AI_STREAM", "false")
	t.Setenv("AI_MAX_TOKENS", "512")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Chat.ContextBudget != 2048 {
		t.Fatalf("expected budget 2048, got %d", cfg.Chat.ContextBudget)
	}
	if cfg.AI.Timeout != 45*time.Second {
		t.Fatalf("expected 45s, got %s", cfg.AI.Timeout)
	}
	if cfg.Session.TTL != 90*time.Minute {
		t.Fatalf("expected 90m, got %s", cfg.Session.TTL)
	}
	if cfg.AI.Streaming {
		t.Fatal("expected streaming disabled")
	}
	if cfg.AI.MaxTokens == nil || *cfg.AI.MaxTokens != 512 {
		t.Fatalf("expected max tokens 512, got %v", cfg.AI.MaxTokens)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("expected :9090, got %q", cfg.Server.Addr)
	}
}

func TestLoadEndpointFollowsProvider(t *testing.T) {
	t.Setenv("SESSION_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.AI.BaseURL != DefaultOpenAIBaseURL {
		t.Fatalf("openai default: got %q", cfg.AI.BaseURL)
	}

	t.Setenv("AI_PROVIDER", "ark")
	t.Setenv("AI_MODEL", "ep-20250101-demo")
	t.Setenv("AI_API_KEY", "ark-key")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load ark err: %v", err)
	}
	if cfg.AI.BaseURL != DefaultArkBaseURL {
		t.Fatalf("ark default: got %q", cfg.AI.BaseURL)
	}

	t.Setenv("ARK_BASE_URL", "https://ark.ap-southeast.bytepluses.com/api/v3")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load ark override err: %v", err)
	}
	if cfg.AI.BaseURL != "https://ark.ap-southeast.bytepluses.com/api/v3" {
		t.Fatalf("ARK_BASE_URL ignored: got %q", cfg.AI.BaseURL)
	}

	t.Setenv("AI_BASE_URL", "http://gateway:8080/api/v3")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load explicit err: %v", err)
	}
	if cfg.AI.BaseURL != "http://gateway:8080/api/v3" {
		t.Fatalf("AI_BASE_URL must win: got %q", cfg.AI.BaseURL)
	}
}

func TestEndpointURLWithoutLoad(t *testing.T) {
	ai := Default().AI
	if got := ai.EndpointURL(); got != DefaultOpenAIBaseURL {
		t.Fatalf("openai: got %q", got)
	}
	ai.Provider = ProviderArk
	if got := ai.EndpointURL(); got != DefaultArkBaseURL {
		t.Fatalf("ark: got %q", got)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hearth.yaml")
	content := `
ai:
  provider: openai
  base_url: http://inference:8000
  timeout: 10s
chat:
  context_budget: 1000
session:
  secret: file-secret-0123456789
  ttl: 2h
store:
  driver: sqlite
  dsn: /tmp/hearth.db
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("CHAT_CONTEXT_BUDGET", "1500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.AI.BaseURL != "http://inference:8000" || cfg.AI.Timeout != 10*time.Second {
		t.Fatalf("file values not applied: %+v", cfg.AI)
	}
	if cfg.Chat.ContextBudget != 1500 {
		t.Fatalf("env must override file, got %d", cfg.Chat.ContextBudget)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.DSN != "/tmp/hearth.db" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Log.Level)
	}
	if cfg.Chat.SystemMessage == "" {
		t.Fatal("defaults must survive a partial file")
	}
}

func TestLoadRejectsUnknownFileKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("chat:\n  budget: 10\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SESSION_SECRET", testSecret)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"short secret":       {func(c *Config) { c.Session.Secret = "short" }, "SESSION_SECRET"},
		"negative budget":    {func(c *Config) { c.Chat.ContextBudget = -1 }, "CHAT_CONTEXT_BUDGET"},
		"zero timeout":       {func(c *Config) { c.AI.Timeout = 0 }, "AI_TIMEOUT"},
		"zero ttl":           {func(c *Config) { c.Session.TTL = 0 }, "SESSION_TTL"},
		"unknown driver":     {func(c *Config) { c.Store.Driver = "mongo" }, "STORE_DRIVER"},
		"sqlite without dsn": {func(c *Config) { c.Store.Driver = DriverSQLite }, "STORE_DSN"},
		"unknown provider":   {func(c *Config) { c.AI.Provider = "llama" }, "AI_PROVIDER"},
		"ark without keys":   {func(c *Config) { c.AI.Provider = ProviderArk }, "ark provider"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.Session.Secret = testSecret
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}

	cfg := Default()
	cfg.Session.Secret = testSecret
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
}

func TestInvalidEnvValues(t *testing.T) {
	for key, value := range map[string]string{
		"AI_TIMEOUT":          "soon",
		"AI_STREAM":           "maybe",
		"CHAT_CONTEXT_BUDGET": "lots",
		"PORT":                "eighty",
		"STORE_MAX_CONNS":     "4294967306",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv("SESSION_SECRET", testSecret)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestNewChatModelOpenAI(t *testing.T) {
	cfg := Default().AI
	cm, err := cfg.NewChatModel(context.Background())
	if err != nil || cm == nil {
		t.Fatalf("expected openai model, got %v, %v", cm, err)
	}

	cfg.Provider = ProviderArk
	if _, err := cfg.NewChatModel(context.Background()); err == nil {
		t.Fatal("expected error for ark without credentials")
	}
}
