package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	DataDir       string              `yaml:"data_dir"`
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Assistant     AssistantConfig     `yaml:"assistant"`
	Order         OrderConfig         `yaml:"order"`
	Session       SessionConfig       `yaml:"session"`
	Redis         RedisConfig         `yaml:"redis"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Logger        LoggerConfig        `yaml:"logger"`
	Tracer        TracerConfig        `yaml:"tracer"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr              string          `yaml:"addr"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	MaxBodyBytes      int64           `yaml:"max_body_bytes"`
	MaxVoiceBodyBytes int64           `yaml:"max_voice_body_bytes"`
	ReadTimeout       time.Duration   `yaml:"read_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration   `yaml:"shutdown_timeout"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies"` // X-Forwarded-For is honored only from these peers
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// FailoverConfig lists providers tried after the default one fails.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// CircuitBreakerConfig holds LLM circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// AssistantConfig holds conversation engine settings.
type AssistantConfig struct {
	Temperature      float64       `yaml:"temperature"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxHistory       int           `yaml:"max_history"`
	MaxContextTokens int           `yaml:"max_context_tokens"` // 0 = no token budget
	TurnTimeout      time.Duration `yaml:"turn_timeout"`
	SystemPrompt     string        `yaml:"system_prompt"`
}

// OrderConfig holds pricing settings.
type OrderConfig struct {
	TaxRate     float64 `yaml:"tax_rate"`
	DeliveryFee float64 `yaml:"delivery_fee"`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
	Store        string        `yaml:"store"` // "memory" or "redis"
	Lock         string        `yaml:"lock"`  // "local" or "redis"
	ReapInterval string        `yaml:"reap_interval"`
}

// RedisConfig holds the shared Redis connection used by the redis session
// store and lock.
type RedisConfig struct {
	URL     string        `yaml:"url"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// CatalogConfig holds product catalog settings.
type CatalogConfig struct {
	Path           string `yaml:"path"`
	SeedFile       string `yaml:"seed_file"`
	ReloadSchedule string `yaml:"reload_schedule"` // cron spec or duration; "" = never
}

// TranscriptionConfig holds speech-to-text settings.
type TranscriptionConfig struct {
	Backend  string        `yaml:"backend"` // "whisper" or "realtime"
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultSystemPrompt is the fixed flooring-assistant instruction set.
const DefaultSystemPrompt = `You are DMS AI Assistant, a helpful and knowledgeable flooring specialist for a construction materials company.

Your role is to:
1. Help customers find the right flooring products (carpets, vinyl, laminate, wood flooring)
2. Understand their requirements including material type, color, dimensions, and quantity
3. Calculate the exact quantity needed based on room dimensions
4. Apply appropriate discounts and show pricing
5. Generate clear order summaries for confirmation
6. Answer questions about products, installation, and maintenance

Guidelines:
- Be conversational, friendly, and professional
- Ask clarifying questions when needed
- Always confirm dimensions and quantities before finalizing
- Show price breakdowns clearly
- Remember context from previous messages in the conversation
- If unsure about product availability, say so and offer alternatives
- For area calculations, always confirm: width x length = area in square meters
- Present order summaries in a clear, itemized format

Product Categories:
- Carpets: Various colors and materials, sold by square meter
- Vinyl: Durable flooring, sold by square meter or box
- Laminate: Popular wood-look flooring, sold by box (coverage varies)
- Wood Flooring: Solid and engineered wood, sold by square meter or box

Always end order summaries by asking for user confirmation before proceeding.`

// defaultDataDir returns the persistent data directory under $HOME/.floorbot/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".floorbot", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Server: ServerConfig{
			Addr:              ":8080",
			RateLimit:         RateLimitConfig{RequestsPerMin: 100, Burst: 20},
			MaxBodyBytes:      1 << 20,
			MaxVoiceBodyBytes: 25 << 20,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      90 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Assistant: AssistantConfig{
			Temperature:  0.7,
			MaxTokens:    1000,
			MaxHistory:   20,
			TurnTimeout:  60 * time.Second,
			SystemPrompt: DefaultSystemPrompt,
		},
		Order: OrderConfig{
			TaxRate:     0.10,
			DeliveryFee: 0,
		},
		Session: SessionConfig{
			Timeout:      30 * time.Minute,
			KeyPrefix:    "ai_session:",
			Store:        "memory",
			Lock:         "local",
			ReapInterval: "5m",
		},
		Redis: RedisConfig{
			URL:     "redis://localhost:6379/0",
			LockTTL: 2 * time.Minute,
		},
		Transcription: TranscriptionConfig{
			Backend:  "whisper",
			Model:    "whisper-1",
			Language: "en",
			Timeout:  60 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)
	applyDerivedDefaults(cfg)

	if passphrase := os.Getenv("FLOORBOT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerivedDefaults fills values that depend on other settings.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join(cfg.DataDir, "catalog.db")
	}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.Type == "" {
			p.Type = "openai"
		}
		if p.Model == "" && p.Type == "openai" {
			p.Model = "gpt-4-turbo-preview"
		}
	}
	// Whisper shares the OpenAI key unless it has its own.
	if cfg.Transcription.APIKey == "" {
		for _, p := range cfg.LLM.Providers {
			if p.Type == "openai" && p.APIKey != "" {
				cfg.Transcription.APIKey = p.APIKey
				if cfg.Transcription.BaseURL == "" {
					cfg.Transcription.BaseURL = p.BaseURL
				}
				break
			}
		}
	}
}

// ApplyEnvOverrides maps FLOORBOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			}
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	float := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	str("FLOORBOT_DATA_DIR", &cfg.DataDir)
	str("FLOORBOT_SERVER_ADDR", &cfg.Server.Addr)
	num("FLOORBOT_SERVER_RATE_LIMIT_REQUESTS_PER_MIN", &cfg.Server.RateLimit.RequestsPerMin)
	num("FLOORBOT_SERVER_RATE_LIMIT_BURST", &cfg.Server.RateLimit.Burst)
	if v := os.Getenv("FLOORBOT_SERVER_TRUSTED_PROXIES"); v != "" {
		cfg.Server.RateLimit.TrustedProxies = splitAndTrim(v, ",")
	}

	str("FLOORBOT_LLM_DEFAULT_PROVIDER", &cfg.LLM.DefaultProvider)
	if v := os.Getenv("FLOORBOT_LLM_FAILOVER_FALLBACKS"); v != "" {
		cfg.LLM.Failover.Enabled = true
		cfg.LLM.Failover.Fallbacks = splitAndTrim(v, ",")
	}
	if v := os.Getenv("FLOORBOT_LLM_CIRCUIT_BREAKER_ENABLED"); v == "false" {
		cfg.LLM.CircuitBreaker.Enabled = false
	}

	// A bare OPENAI_API_KEY creates the default provider when none is configured.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && len(cfg.LLM.Providers) == 0 {
		cfg.LLM.Providers = []ProviderConfig{{Name: "openai", Type: "openai", APIKey: v}}
		if m := os.Getenv("OPENAI_MODEL"); m != "" {
			cfg.LLM.Providers[0].Model = m
		}
	}
	// Per-provider API key overrides: FLOORBOT_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("FLOORBOT_LLM_PROVIDER_%s_API_KEY", strings.ToUpper(cfg.LLM.Providers[i].Name))
		str(envKey, &cfg.LLM.Providers[i].APIKey)
	}

	float("FLOORBOT_ASSISTANT_TEMPERATURE", &cfg.Assistant.Temperature)
	num("FLOORBOT_ASSISTANT_MAX_TOKENS", &cfg.Assistant.MaxTokens)
	num("FLOORBOT_ASSISTANT_MAX_HISTORY", &cfg.Assistant.MaxHistory)
	num("FLOORBOT_ASSISTANT_MAX_CONTEXT_TOKENS", &cfg.Assistant.MaxContextTokens)
	dur("FLOORBOT_ASSISTANT_TURN_TIMEOUT", &cfg.Assistant.TurnTimeout)

	float("FLOORBOT_ORDER_TAX_RATE", &cfg.Order.TaxRate)
	float("FLOORBOT_ORDER_DELIVERY_FEE", &cfg.Order.DeliveryFee)

	dur("FLOORBOT_SESSION_TIMEOUT", &cfg.Session.Timeout)
	str("FLOORBOT_SESSION_KEY_PREFIX", &cfg.Session.KeyPrefix)
	str("FLOORBOT_SESSION_STORE", &cfg.Session.Store)
	str("FLOORBOT_SESSION_LOCK", &cfg.Session.Lock)

	str("FLOORBOT_REDIS_URL", &cfg.Redis.URL)
	dur("FLOORBOT_REDIS_LOCK_TTL", &cfg.Redis.LockTTL)

	str("FLOORBOT_CATALOG_PATH", &cfg.Catalog.Path)
	str("FLOORBOT_CATALOG_SEED_FILE", &cfg.Catalog.SeedFile)
	str("FLOORBOT_CATALOG_RELOAD_SCHEDULE", &cfg.Catalog.ReloadSchedule)

	str("FLOORBOT_TRANSCRIPTION_BACKEND", &cfg.Transcription.Backend)
	str("FLOORBOT_TRANSCRIPTION_MODEL", &cfg.Transcription.Model)
	str("FLOORBOT_TRANSCRIPTION_API_KEY", &cfg.Transcription.APIKey)
	str("WHISPER_MODEL", &cfg.Transcription.Model)

	str("FLOORBOT_LOGGER_LEVEL", &cfg.Logger.Level)
	str("FLOORBOT_LOGGER_FORMAT", &cfg.Logger.Format)
	str("FLOORBOT_LOGGER_OUTPUT", &cfg.Logger.Output)
	if v := os.Getenv("FLOORBOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	str("FLOORBOT_TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		if err := decryptField(&cfg.LLM.Providers[i].APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
		}
	}
	if err := decryptField(&cfg.Transcription.APIKey, passphrase); err != nil {
		return fmt.Errorf("transcription api_key: %w", err)
	}
	if err := decryptField(&cfg.Redis.URL, passphrase); err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*field, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*field = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
