package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/hearth/backend/internal/logging"
	"github.com/zhouzirui/hearth/backend/internal/service/ai/openai"
	"github.com/zhouzirui/hearth/backend/internal/session"
)

const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"

	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultOpenAIBaseURL = "http://localhost:8000"
	DefaultArkBaseURL    = "https://ark.cn-beijing.volces.com/api/v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AI        AIConfig        `yaml:"ai"`
	Chat      ChatConfig      `yaml:"chat"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       logging.Config  `yaml:"log"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	AccessKey   string        `yaml:"access_key"`
	SecretKey   string        `yaml:"secret_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Region      string        `yaml:"region"`
	Temperature *float64      `yaml:"temperature"`
	TopP        *float64      `yaml:"top_p"`
	MaxTokens   *int          `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	Streaming   bool          `yaml:"stream"`
}

// ChatConfig 描述对话编排配置。
type ChatConfig struct {
	// ContextBudget 为提示词的字符预算，<= 0 表示不截断。
	ContextBudget  int    `yaml:"context_budget"`
	SystemMessage  string `yaml:"system_message"`
	OpeningMessage string `yaml:"opening_message"`
	PersonasFile   string `yaml:"personas_file"`
}

// SessionConfig 描述令牌签名配置。
type SessionConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// StoreConfig 描述会话存储配置。
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// RateLimitConfig 描述按客户端限流配置。
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default 返回未经任何覆盖的默认配置。
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		AI: AIConfig{
			Provider:  ProviderOpenAI,
			Region:    "cn-beijing",
			Timeout:   30 * time.Second,
			Streaming: true,
		},
		Chat: ChatConfig{
			ContextBudget:  8000,
			SystemMessage:  "You are a helpful AI assistant.",
			OpeningMessage: "Hi, how can I help you? I might take about 30 seconds for lengthy answers!",
		},
		Session:   SessionConfig{TTL: 24 * time.Hour},
		Store:     StoreConfig{Driver: DriverMemory, MaxConns: 10},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
		Log:       logging.Config{Level: "info", Format: "json"},
	}
}

// Load 读取 CONFIG_FILE 指定的 YAML 文件（可选），再用环境变量覆盖，最后校验。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	addr, err := loadServerAddr(cfg.Server.Addr)
	if err != nil {
		return err
	}
	cfg.Server.Addr = addr

	if err := applyAIEnv(&cfg.AI); err != nil {
		return err
	}

	budget, err := parseIntEnv("CHAT_CONTEXT_BUDGET", cfg.Chat.ContextBudget)
	if err != nil {
		return err
	}
	cfg.Chat.ContextBudget = budget
	cfg.Chat.SystemMessage = getEnvOrDefault("CHAT_SYSTEM_MESSAGE", cfg.Chat.SystemMessage)
	cfg.Chat.OpeningMessage = getEnvOrDefault("CHAT_OPENING_MESSAGE", cfg.Chat.OpeningMessage)
	cfg.Chat.PersonasFile = getEnvOrDefault("PERSONAS_FILE", cfg.Chat.PersonasFile)

	cfg.Session.Secret = getEnvOrDefault("SESSION_SECRET", cfg.Session.Secret)
	ttl, err := parseDurationEnv("SESSION_TTL", cfg.Session.TTL)
	if err != nil {
		return err
	}
	cfg.Session.TTL = ttl

	cfg.Store.Driver = strings.ToLower(getEnvOrDefault("STORE_DRIVER", cfg.Store.Driver))
	cfg.Store.DSN = getEnvOrDefault("STORE_DSN", cfg.Store.DSN)
	maxConns, err := parseIntEnv("STORE_MAX_CONNS", int(cfg.Store.MaxConns))
	if err != nil {
		return err
	}
	if maxConns < math.MinInt32 || maxConns > math.MaxInt32 {
		return fmt.Errorf("STORE_MAX_CONNS out of range: %d", maxConns)
	}
	cfg.Store.MaxConns = int32(maxConns)

	if rps, err := parseOptionalFloatEnv("RATE_LIMIT_RPS"); err != nil {
		return err
	} else if rps != nil {
		cfg.RateLimit.RPS = *rps
	}
	burst, err := parseIntEnv("RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	if err != nil {
		return err
	}
	cfg.RateLimit.Burst = burst

	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvOrDefault("LOG_FORMAT", cfg.Log.Format)
	return nil
}

// loadServerAddr 解析服务器监听地址。
func loadServerAddr(fallback string) (string, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return fallback, nil
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

func applyAIEnv(c *AIConfig) error {
	c.Provider = strings.ToLower(getEnvOrDefault("AI_PROVIDER", c.Provider))
	c.APIKey = getEnvOrDefault("AI_API_KEY", c.APIKey)
	c.AccessKey = getEnvOrDefault("ARK_ACCESS_KEY", c.AccessKey)
	c.SecretKey = getEnvOrDefault("ARK_SECRET_KEY", c.SecretKey)
	c.Model = getEnvOrDefault("AI_MODEL", c.Model)
	c.BaseURL = getEnvOrDefault("AI_BASE_URL", c.BaseURL)
	if c.Provider == ProviderArk && c.BaseURL == "" {
		c.BaseURL = getEnvOrDefault("ARK_BASE_URL", "")
	}
	c.BaseURL = c.EndpointURL()
	c.Region = getEnvOrDefault("ARK_REGION", c.Region)

	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return err
	}
	if temperature != nil {
		c.Temperature = temperature
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return err
	}
	if topP != nil {
		c.TopP = topP
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return err
	}
	if maxTokens != nil {
		c.MaxTokens = maxTokens
	}

	timeout, err := parseDurationEnv("AI_TIMEOUT", c.Timeout)
	if err != nil {
		return err
	}
	c.Timeout = timeout

	stream, err := parseBoolEnv("AI_STREAM", c.Streaming)
	if err != nil {
		return err
	}
	c.Streaming = stream
	return nil
}

// Validate 检查启动所需的配置是否完整。
func (c Config) Validate() error {
	var errs []error

	if c.Chat.ContextBudget < 0 {
		errs = append(errs, fmt.Errorf("CHAT_CONTEXT_BUDGET must not be negative, got %d", c.Chat.ContextBudget))
	}
	if c.AI.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("AI_TIMEOUT must be positive, got %s", c.AI.Timeout))
	}
	if c.AI.MaxTokens != nil && *c.AI.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("AI_MAX_TOKENS must be positive, got %d", *c.AI.MaxTokens))
	}
	switch c.AI.Provider {
	case ProviderOpenAI:
	case ProviderArk:
		if !c.AI.Enabled() {
			errs = append(errs, errors.New("ark provider needs AI_MODEL and AI_API_KEY or an AK/SK pair"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AI_PROVIDER %q", c.AI.Provider))
	}

	if len(c.Session.Secret) < session.MinSecretLength {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d bytes", session.MinSecretLength))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_TTL must be positive, got %s", c.Session.TTL))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DSN is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Store.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("STORE_MAX_CONNS must be positive, got %d", c.Store.MaxConns))
	}

	return errors.Join(errs...)
}

// Enabled 表示 Ark 是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// EndpointURL 返回生效的模型服务地址：显式配置优先，否则取 provider 的默认地址。
func (c AIConfig) EndpointURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	switch c.Provider {
	case ProviderOpenAI:
		return DefaultOpenAIBaseURL
	case ProviderArk:
		return DefaultArkBaseURL
	default:
		return ""
	}
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	var temperature, topP *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	switch c.Provider {
	case ProviderOpenAI:
		cm, err := openai.NewChatModel(ctx, openai.Config{
			BaseURL:     c.EndpointURL(),
			APIKey:      c.APIKey,
			Model:       c.Model,
			MaxTokens:   c.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	case ProviderArk:
		if !c.Enabled() {
			return nil, errors.New("Ark 凭证或模型配置缺失，至少提供 AI_API_KEY + AI_MODEL 或 AK/SK 组合")
		}

		cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			BaseURL:     c.EndpointURL(),
			Region:      c.Region,
			APIKey:      c.APIKey,
			AccessKey:   c.AccessKey,
			SecretKey:   c.SecretKey,
			Model:       c.Model,
			MaxTokens:   c.MaxTokens,
			Temperature: temperature,
			TopP:        topP,
		})
		if err != nil {
			return nil, err
		}
		return cm, nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", c.Provider)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

// parseDurationEnv 接受 Go 时长格式（"30s"）或纯数字秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
