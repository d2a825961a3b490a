package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateLLM(cfg, ve)
	validateAssistant(cfg, ve)
	validateOrder(cfg, ve)
	validateSession(cfg, ve)
	validateTranscription(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.RateLimit.RequestsPerMin <= 0 {
		ve.Add("server.rate_limit.requests_per_min must be > 0")
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		ve.Add("server.rate_limit.burst must be > 0")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if cfg.Server.MaxVoiceBodyBytes <= 0 {
		ve.Add("server.max_voice_body_bytes must be > 0")
	}
}

var validProviderTypes = map[string]bool{
	"openai":  true,
	"bedrock": true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if cfg.LLM.CircuitBreaker.Enabled && cfg.LLM.CircuitBreaker.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when the breaker is enabled")
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via FLOORBOT_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}
	if cfg.LLM.Failover.Enabled {
		for _, name := range cfg.LLM.Failover.Fallbacks {
			if !seen[name] {
				ve.Add("llm.failover.fallbacks: unknown provider %q", name)
			}
		}
	}
}

func validateAssistant(cfg *Config, ve *ValidationError) {
	a := cfg.Assistant
	if a.Temperature < 0 || a.Temperature > 2 {
		ve.Add("assistant.temperature must be between 0 and 2")
	}
	if a.MaxTokens <= 0 {
		ve.Add("assistant.max_tokens must be > 0")
	}
	if a.MaxHistory <= 0 {
		ve.Add("assistant.max_history must be > 0")
	}
	if a.MaxContextTokens < 0 {
		ve.Add("assistant.max_context_tokens must be >= 0")
	}
	if a.TurnTimeout <= 0 {
		ve.Add("assistant.turn_timeout must be > 0")
	}
	if a.SystemPrompt == "" {
		ve.Add("assistant.system_prompt must not be empty")
	}
}

func validateOrder(cfg *Config, ve *ValidationError) {
	if cfg.Order.TaxRate < 0 || cfg.Order.TaxRate > 1 {
		ve.Add("order.tax_rate must be between 0 and 1")
	}
	if cfg.Order.DeliveryFee < 0 {
		ve.Add("order.delivery_fee must be >= 0")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	s := cfg.Session
	if s.Timeout <= 0 {
		ve.Add("session.timeout must be > 0")
	}
	if s.KeyPrefix == "" {
		ve.Add("session.key_prefix must not be empty")
	}
	switch s.Store {
	case "memory", "redis":
	default:
		ve.Add("session.store %q is invalid (want: memory, redis)", s.Store)
	}
	switch s.Lock {
	case "local", "redis":
	default:
		ve.Add("session.lock %q is invalid (want: local, redis)", s.Lock)
	}
	if (s.Store == "redis" || s.Lock == "redis") && cfg.Redis.URL == "" {
		ve.Add("redis.url is required when session store or lock uses redis")
	}
	if s.Lock == "redis" && cfg.Redis.LockTTL <= 0 {
		ve.Add("redis.lock_ttl must be > 0")
	}
}

func validateTranscription(cfg *Config, ve *ValidationError) {
	switch cfg.Transcription.Backend {
	case "whisper", "realtime":
	default:
		ve.Add("transcription.backend %q is invalid (want: whisper, realtime)", cfg.Transcription.Backend)
	}
	if cfg.Transcription.Model == "" {
		ve.Add("transcription.model must not be empty")
	}
	if cfg.Transcription.Timeout <= 0 {
		ve.Add("transcription.timeout must be > 0")
	}
}
