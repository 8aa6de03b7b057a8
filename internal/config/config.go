// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings holds every runtime knob of the service. Values come from
// environment variables; defaults cover local development against a
// plaintext broker.
type Settings struct {
	ServiceName string `mapstructure:"SERVICE_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	// NATS connectivity. NKeySeed is required: the service authenticates
	// itself with a self-issued JWT signed by this seed.
	NatsServers  string `mapstructure:"NATS_SERVERS"`
	NatsNKeySeed string `mapstructure:"NATS_NKEY_SEED"`
	NatsTLSCA    string `mapstructure:"NATS_TLS_CA_CERT"`
	NatsUserID   string `mapstructure:"NATS_USER_ID"`

	OpenAIAPIKey    string `mapstructure:"OPENAI_API_KEY"`
	AnthropicAPIKey string `mapstructure:"ANTHROPIC_API_KEY"`

	// LLMTimeoutSeconds is the per-request circuit breaker.
	LLMTimeoutSeconds int `mapstructure:"LLM_TIMEOUT_SECONDS"`

	// ImageAPIBaseURL is the internal image store the OpenAI adapter posts
	// generated images to.
	ImageAPIBaseURL string `mapstructure:"IMAGE_API_BASE_URL"`

	HealthPort int `mapstructure:"HEALTH_PORT"`
}

// Load reads settings from the environment and validates the required
// fields.
func Load() (*Settings, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVICE_NAME", "llm-api")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NATS_SERVERS", "nats://localhost:4222")
	v.SetDefault("NATS_USER_ID", "svc:llm-service")
	v.SetDefault("LLM_TIMEOUT_SECONDS", 1200)
	v.SetDefault("IMAGE_API_BASE_URL", "http://lixpi-api:3000")
	v.SetDefault("HEALTH_PORT", 8000)

	// AutomaticEnv alone does not surface env vars through Unmarshal;
	// bind each key explicitly.
	for _, key := range []string{
		"SERVICE_NAME", "LOG_LEVEL",
		"NATS_SERVERS", "NATS_NKEY_SEED", "NATS_TLS_CA_CERT", "NATS_USER_ID",
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"LLM_TIMEOUT_SECONDS", "IMAGE_API_BASE_URL", "HEALTH_PORT",
	} {
		_ = v.BindEnv(key)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if strings.TrimSpace(s.NatsNKeySeed) == "" {
		return nil, fmt.Errorf("NATS_NKEY_SEED is required")
	}
	if s.LLMTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("LLM_TIMEOUT_SECONDS must be positive, got %d", s.LLMTimeoutSeconds)
	}

	return &s, nil
}

// Servers splits the comma-separated NATS server list.
func (s *Settings) Servers() []string {
	parts := strings.Split(s.NatsServers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
