package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/oneline-chat/pkg/provider"
)

type Settings struct {
	Env       string          `yaml:"env"`
	Server    ServerSettings  `yaml:"server"`
	AI        AISettings      `yaml:"ai"`
	Relay     RelaySettings   `yaml:"relay"`
	Storage   StorageSettings `yaml:"storage"`
	Agents    AgentSettings   `yaml:"agents"`
	Share     ShareSettings   `yaml:"share"`
	Redis     RedisSettings   `yaml:"redis"`
	RateLimit RateLimit       `yaml:"ratelimit"`
	Logging   LogSettings     `yaml:"logging"`
}

type ServerSettings struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	// TrustUserHeader accepts X-User-ID from a fronting proxy as the principal.
	TrustUserHeader bool          `yaml:"trust_user_header"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AISettings struct {
	Provider      string `yaml:"provider"`
	DefaultModel  string `yaml:"default_model"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	OllamaBaseURL string `yaml:"ollama_base_url"`
	OllamaModel   string `yaml:"ollama_model"`
	OllamaAPIKey  string `yaml:"ollama_api_key"`
	SystemPrompt  string `yaml:"system_prompt"`
}

type RelaySettings struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`
	HistoryTurns     int           `yaml:"history_turns"`
	Reasoning        string        `yaml:"reasoning"`
	SerializePerChat bool          `yaml:"serialize_per_chat"`
	Temperature      float64       `yaml:"temperature"`
}

type StorageSettings struct {
	// Backend is sqlite or memory.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type AgentSettings struct {
	File          string        `yaml:"file"`
	Default       string        `yaml:"default"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

type ShareSettings struct {
	CleanupCron string        `yaml:"cleanup_cron"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`
}

type RedisSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Settings {
	return Settings{
		Env: "development",
		Server: ServerSettings{
			Host:            "0.0.0.0",
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: 30 * time.Second,
		},
		AI: AISettings{
			Provider:      provider.ProviderOllama,
			DefaultModel:  "gpt-3.5-turbo",
			OpenAIBaseURL: "https://api.openai.com/v1",
			OllamaBaseURL: "http://localhost:11434/v1",
			OllamaModel:   "deepseek-r1:8b",
			OllamaAPIKey:  "ollama",
		},
		Relay: RelaySettings{
			RequestTimeout: 5 * time.Minute,
			IdleTimeout:    60 * time.Second,
			StoreTimeout:   10 * time.Second,
			HistoryTurns:   10,
			Reasoning:      string(provider.ReasoningStrip),
			Temperature:    0.7,
		},
		Storage: StorageSettings{Backend: "sqlite", Path: "oneline_chat.db"},
		Agents: AgentSettings{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			StaleAfter:    2 * time.Minute,
		},
		Share:     ShareSettings{CleanupCron: "*/10 * * * *"},
		Redis:     RedisSettings{Addr: "localhost:6379", Group: "oneline-chat", Consumer: "hub-1"},
		RateLimit: RateLimit{RPS: 5, Burst: 10},
		Logging:   LogSettings{Level: "info", Format: "auto"},
	}
}

// Load builds settings from defaults, an optional YAML file, an optional
// .env file and the process environment, in that order.
func Load(path string, envFile string) (Settings, error) {
	s := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return s, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(b, &s); err != nil {
			return s, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if envFile != "" {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return s, errors.Wrapf(err, "load env file %s", envFile)
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	return s, nil
}

// ApplyEnv overlays the environment variables understood by the service.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("APP_ENV", &s.Env)
	str("APP_HOST", &s.Server.Host)
	str("AI_PROVIDER", &s.AI.Provider)
	str("DEFAULT_MODEL", &s.AI.DefaultModel)
	str("OPENAI_API_KEY", &s.AI.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &s.AI.OpenAIBaseURL)
	str("OLLAMA_BASE_URL", &s.AI.OllamaBaseURL)
	str("OLLAMA_MODEL", &s.AI.OllamaModel)
	str("OLLAMA_API_KEY", &s.AI.OllamaAPIKey)
	str("SYSTEM_PROMPT", &s.AI.SystemPrompt)
	str("DATABASE_PATH", &s.Storage.Path)
	str("STORAGE_BACKEND", &s.Storage.Backend)
	str("AGENTS_FILE", &s.Agents.File)
	str("DEFAULT_AGENT", &s.Agents.Default)
	str("REDIS_ADDR", &s.Redis.Addr)
	str("LOG_LEVEL", &s.Logging.Level)
	str("LOG_FORMAT", &s.Logging.Format)
	str("SHARE_CLEANUP_CRON", &s.Share.CleanupCron)

	if v, ok := lookup("APP_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "APP_PORT %q", v)
		}
		s.Server.Port = p
	}
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		s.Server.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("REDIS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "REDIS_ENABLED %q", v)
		}
		s.Redis.Enabled = b
	}
	if v, ok := lookup("RELAY_REQUEST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "RELAY_REQUEST_TIMEOUT %q", v)
		}
		s.Relay.RequestTimeout = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Server.Host, s.Server.Port)
}

func (s Settings) IsProduction() bool {
	return strings.EqualFold(s.Env, "production")
}

// ProviderModel is the model used when no agent or request names one.
func (s Settings) ProviderModel() string {
	if provider.NormalizeProviderName(s.AI.Provider) == provider.ProviderOllama {
		return s.AI.OllamaModel
	}
	return s.AI.DefaultModel
}

// Endpoints lists the configured provider endpoints.
func (s Settings) Endpoints() []provider.Endpoint {
	eps := []provider.Endpoint{
		{Name: provider.ProviderOllama, BaseURL: s.AI.OllamaBaseURL, APIKey: s.AI.OllamaAPIKey},
	}
	if s.AI.OpenAIAPIKey != "" || provider.NormalizeProviderName(s.AI.Provider) == provider.ProviderOpenAI {
		eps = append(eps, provider.Endpoint{Name: provider.ProviderOpenAI, BaseURL: s.AI.OpenAIBaseURL, APIKey: s.AI.OpenAIAPIKey})
	}
	return eps
}

func (s Settings) Validate() error {
	switch provider.NormalizeProviderName(s.AI.Provider) {
	case provider.ProviderOpenAI:
		if s.AI.OpenAIAPIKey == "" {
			return errors.New("config: OPENAI_API_KEY is required when AI_PROVIDER=openai")
		}
	case provider.ProviderOllama:
		if s.AI.OllamaBaseURL == "" {
			return errors.New("config: ollama base url is empty")
		}
	default:
		return errors.Errorf("config: unknown ai provider %q", s.AI.Provider)
	}
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return errors.Errorf("config: invalid port %d", s.Server.Port)
	}
	for name, d := range map[string]time.Duration{
		"relay.request_timeout": s.Relay.RequestTimeout,
		"relay.idle_timeout":    s.Relay.IdleTimeout,
		"relay.store_timeout":   s.Relay.StoreTimeout,
		"agents.probe_interval": s.Agents.ProbeInterval,
		"agents.probe_timeout":  s.Agents.ProbeTimeout,
	} {
		if d <= 0 {
			return errors.Errorf("config: %s must be positive", name)
		}
	}
	if s.Relay.HistoryTurns < 0 {
		return errors.New("config: relay.history_turns must not be negative")
	}
	if s.Relay.Temperature < 0 || s.Relay.Temperature > 2 {
		return errors.Errorf("config: relay.temperature %v outside [0, 2]", s.Relay.Temperature)
	}
	if _, ok := provider.ParseReasoningPolicy(s.Relay.Reasoning); !ok {
		return errors.Errorf("config: unknown reasoning policy %q", s.Relay.Reasoning)
	}
	switch s.Storage.Backend {
	case "sqlite":
		if s.Storage.Path == "" {
			return errors.New("config: storage.path is empty")
		}
	case "memory":
	default:
		return errors.Errorf("config: unknown storage backend %q", s.Storage.Backend)
	}
	if !gronx.IsValid(s.Share.CleanupCron) {
		return errors.Errorf("config: invalid share.cleanup_cron %q", s.Share.CleanupCron)
	}
	if s.Share.DefaultTTL < 0 {
		return errors.New("config: share.default_ttl must not be negative")
	}
	if s.Redis.Enabled && s.Redis.Addr == "" {
		return errors.New("config: redis.addr is empty")
	}
	if s.RateLimit.RPS < 0 || s.RateLimit.Burst < 0 {
		return errors.New("config: rate limit must not be negative")
	}
	return nil
}
