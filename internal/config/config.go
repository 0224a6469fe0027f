package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Models      []ModelConfig             `json:"models"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Embedding   EmbeddingConfig           `json:"embedding"`
	Log         LogConfig                 `json:"log"`

	// APIKeyFromEnv is true when .env exists and provided OPENAI_API_KEY.
	APIKeyFromEnv bool `json:"-"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// ModelConfig is one entry of the model selector.
type ModelConfig struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ContextWindow int    `json:"context_window"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	Database          string `json:"database"`
	FileBaseDir       string `json:"file_base_dir"`
	TempFileTTL       int    `json:"temp_file_ttl"`       // minutes
	TempCleanInterval int    `json:"temp_clean_interval"` // minutes
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type EmbeddingConfig struct {
	Model     string `json:"model"`
	BatchSize int    `json:"batch_size"`
	TopK      int    `json:"top_k"`
	CacheTTL  int    `json:"cache_ttl"` // minutes
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// envOverrides are applied after the JSON file and .env have been read.
type envOverrides struct {
	ServerAddress string `env:"CSVAI_SERVER_ADDR"`
	Database      string `env:"CSVAI_DB"`
	FileBaseDir   string `env:"CSVAI_FILE_DIR"`
	LogLevel      string `env:"CSVAI_LOG_LEVEL"`
	RedisHost     string `env:"CSVAI_REDIS_HOST"`
	RedisPort     int    `env:"CSVAI_REDIS_PORT"`
	OpenAIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
}

const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
)

// DefaultModels is the selector list used when the config file does not provide one.
var DefaultModels = []ModelConfig{
	{Name: "gpt-3.5-turbo", Provider: ProviderOpenAI, ContextWindow: 4096},
	{Name: "gpt-4", Provider: ProviderOpenAI, ContextWindow: 8192},
	{Name: "gpt-4-32k", Provider: ProviderOpenAI, ContextWindow: 32768},
}

// Default returns a configuration usable without any config file.
func Default() *Config {
	cfg := &Config{
		Providers: map[string]ProviderConfig{},
		Databases: map[string]DatabaseConfig{},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file is not an error: defaults, .env and the environment still apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := &Config{}
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	if cfg.Databases == nil {
		cfg.Databases = map[string]DatabaseConfig{}
	}

	dotenv := false
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		dotenv = true
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.apply(ov, dotenv)
	cfg.applyDefaults()

	for name, db := range cfg.Databases {
		if name == "sqlite3" && db.DSN != "" && !strings.HasPrefix(db.DSN, "file:") && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(ov envOverrides, dotenv bool) {
	if ov.ServerAddress != "" {
		c.BasicConfig.ServerAddress = ov.ServerAddress
	}
	if ov.Database != "" {
		c.BasicConfig.Database = ov.Database
	}
	if ov.FileBaseDir != "" {
		c.BasicConfig.FileBaseDir = ov.FileBaseDir
	}
	if ov.LogLevel != "" {
		c.Log.Level = ov.LogLevel
	}
	if ov.RedisHost != "" {
		c.Redis.Enabled = true
		c.Redis.Host = ov.RedisHost
	}
	if ov.RedisPort != 0 {
		c.Redis.Port = ov.RedisPort
	}
	if ov.OpenAIKey != "" || ov.OpenAIBaseURL != "" {
		p := c.Providers[ProviderOpenAI]
		if ov.OpenAIKey != "" {
			p.APIKey = ov.OpenAIKey
		}
		if ov.OpenAIBaseURL != "" {
			p.BaseURL = ov.OpenAIBaseURL
		}
		c.Providers[ProviderOpenAI] = p
	}
	c.APIKeyFromEnv = dotenv && ov.OpenAIKey != ""
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8501"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = filepath.Join(os.TempDir(), "csvai-uploads")
	}
	if b.TempFileTTL <= 0 {
		b.TempFileTTL = 24 * 60
	}
	if b.TempCleanInterval <= 0 {
		b.TempCleanInterval = 60
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = 4
		if b.MaxWorkers < b.MinWorkers {
			b.MaxWorkers = b.MinWorkers
		}
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "file:csvai?mode=memory&cache=shared"}
	}
	if len(c.Models) == 0 {
		c.Models = append([]ModelConfig(nil), DefaultModels...)
	}
	for i := range c.Models {
		if c.Models[i].Provider == "" {
			c.Models[i].Provider = ProviderOpenAI
		}
		if c.Models[i].ContextWindow <= 0 {
			c.Models[i].ContextWindow = 4096
		}
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	e := &c.Embedding
	if e.Model == "" {
		e.Model = "text-embedding-ada-002"
	}
	if e.BatchSize <= 0 {
		e.BatchSize = 64
	}
	if e.TopK <= 0 {
		e.TopK = 4
	}
	if e.CacheTTL <= 0 {
		e.CacheTTL = 24 * 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	var problems []string
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		problems = append(problems, fmt.Sprintf("database config for %s not found", c.BasicConfig.Database))
	}
	seen := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if strings.TrimSpace(m.Name) == "" {
			problems = append(problems, "model name must not be empty")
			continue
		}
		if _, dup := seen[m.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate model %s", m.Name))
		}
		seen[m.Name] = struct{}{}
		switch m.Provider {
		case ProviderOpenAI, ProviderClaude, ProviderGemini:
		default:
			problems = append(problems, fmt.Sprintf("model %s: unsupported provider %s", m.Name, m.Provider))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Model looks a model up by name.
func (c *Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// ModelNames lists the selector entries in configured order.
func (c *Config) ModelNames() []string {
	names := make([]string, len(c.Models))
	for i, m := range c.Models {
		names[i] = m.Name
	}
	return names
}
