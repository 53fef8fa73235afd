package config

import (
	"strings"
	"time"
)

// WhopConfig contains the Whop DM delivery provider configuration.
type WhopConfig struct {
	APIKey      string        `env:"API_KEY"       envDefault:""`
	BaseURL     string        `env:"BASE_URL"      envDefault:"https://api.whop.com"`
	AgentUserID string        `env:"AGENT_USER_ID" envDefault:""`
	Timeout     time.Duration `env:"TIMEOUT"       envDefault:"10s"`
}

// Sanitize applies guardrails to Whop configuration values.
func (w *WhopConfig) Sanitize() {
	w.BaseURL = strings.TrimRight(strings.TrimSpace(w.BaseURL), "/")
	if w.Timeout <= 0 {
		w.Timeout = 10 * time.Second
	}
}

// ResendConfig contains the Resend email delivery provider configuration.
type ResendConfig struct {
	APIKey      string        `env:"API_KEY"      envDefault:""`
	BaseURL     string        `env:"BASE_URL"     envDefault:"https://api.resend.com"`
	FromAddress string        `env:"FROM_ADDRESS" envDefault:""`
	Timeout     time.Duration `env:"TIMEOUT"      envDefault:"10s"`
}

// Sanitize applies guardrails to Resend configuration values.
func (r *ResendConfig) Sanitize() {
	r.BaseURL = strings.TrimRight(strings.TrimSpace(r.BaseURL), "/")
	if r.Timeout <= 0 {
		r.Timeout = 10 * time.Second
	}
}
