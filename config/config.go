// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package config loads the voicerouter configuration file
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"sigs.k8s.io/yaml"

	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/model"
)

// ErrInvalid is returned when a configuration does not validate
var ErrInvalid = errors.New("invalid configuration")

// Environment variables overriding the file
const (
	EnvAccountSID  = "TWILIO_ACCOUNT_SID"
	EnvAuthToken   = "TWILIO_AUTH_TOKEN"
	EnvPhoneNumber = "TWILIO_PHONE_NUMBER"
	EnvAdminSecret = "VOICEROUTER_ADMIN_SECRET"
)

const redacted = "REDACTED"

// Config is the full service configuration
type Config struct {
	ListenAddr    string  `json:"listen_addr"`
	PublicBaseURL string  `json:"public_base_url"`
	Log           Log     `json:"log"`
	Twilio        Twilio  `json:"twilio"`
	Dialog        Dialog  `json:"dialog"`
	Routing       Routing `json:"routing"`
	Admin         Admin   `json:"admin"`
	Agents        []Agent `json:"agents"`
}

// Log configures the logger
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"` // console or json
}

// Twilio holds provider credentials and voice settings
type Twilio struct {
	AccountSID         string `json:"account_sid"`
	AuthToken          string `json:"auth_token"`
	PhoneNumber        string `json:"phone_number"`
	ValidateSignatures bool   `json:"validate_signatures"`
	Voice              string `json:"voice"`
	Language           string `json:"language"`
	HoldMusicURL       string `json:"hold_music_url"`
}

// Configured reports whether REST credentials are present
func (t Twilio) Configured() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.PhoneNumber != ""
}

// Dialog configures caller identification
type Dialog struct {
	MaxReprompts int `json:"max_reprompts"`
}

// Routing holds routing timings and limits
type Routing struct {
	RetryInterval    Duration `json:"retry_interval"`
	MaxQueueWait     Duration `json:"max_queue_wait"`
	RingTimeout      Duration `json:"ring_timeout"`
	OfferTimeout     Duration `json:"offer_timeout"`
	DecisionTimeout  Duration `json:"decision_timeout"`
	RedialDelay      Duration `json:"redial_delay"`
	MaxAgentAttempts int      `json:"max_agent_attempts"`
	IdleTimeout      Duration `json:"idle_timeout"`
	SweepInterval    Duration `json:"sweep_interval"`
	DispatchTimeout  Duration `json:"dispatch_timeout"`
}

// Admin configures the admin API
type Admin struct {
	JWTSecret      string   `json:"jwt_secret"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// Agent is a statically configured agent
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Availability string `json:"availability,omitempty"`
}

// Duration is a time.Duration written as a string such as "10s" or "2m"
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are seconds
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string like \"10s\": %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used for unset values
func Default() Config {
	rc := engine.DefaultConfig()
	return Config{
		ListenAddr:    ":8080",
		PublicBaseURL: "http://localhost:8080",
		Log: Log{
			Level:  "info",
			Format: "console",
		},
		Twilio: Twilio{
			ValidateSignatures: true,
			Voice:              "alice",
			Language:           "en-US",
			HoldMusicURL:       rc.HoldMusicURL,
		},
		Dialog: Dialog{MaxReprompts: 1},
		Routing: Routing{
			RetryInterval:    Duration(rc.RetryInterval),
			MaxQueueWait:     Duration(rc.MaxQueueWait),
			RingTimeout:      Duration(rc.RingTimeout),
			OfferTimeout:     Duration(rc.OfferTimeout),
			DecisionTimeout:  Duration(rc.DecisionTimeout),
			RedialDelay:      Duration(rc.RedialDelay),
			MaxAgentAttempts: rc.MaxAgentAttempts,
			IdleTimeout:      Duration(rc.IdleTimeout),
			SweepInterval:    Duration(rc.SweepInterval),
			DispatchTimeout:  Duration(rc.DispatchTimeout),
		},
		Admin: Admin{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and the caller ID from the environment
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Twilio.AccountSID, EnvAccountSID)
	set(&c.Twilio.AuthToken, EnvAuthToken)
	set(&c.Twilio.PhoneNumber, EnvPhoneNumber)
	set(&c.Admin.JWTSecret, EnvAdminSecret)
}

// Validate reports every problem with the configuration at once
func (c Config) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.ListenAddr == "" {
		addf("listen_addr is required")
	}
	if u, err := url.Parse(c.PublicBaseURL); err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		addf("public_base_url %q must be an absolute http(s) URL", c.PublicBaseURL)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		addf("log.level %q is not a valid level", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		addf("log.format %q must be console or json", c.Log.Format)
	}
	if c.Twilio.HoldMusicURL != "" {
		if u, err := url.Parse(c.Twilio.HoldMusicURL); err != nil || !u.IsAbs() {
			addf("twilio.hold_music_url %q must be an absolute URL", c.Twilio.HoldMusicURL)
		}
	}
	if c.Dialog.MaxReprompts < 0 {
		addf("dialog.max_reprompts must not be negative")
	}

	r := c.Routing
	for name, d := range map[string]Duration{
		"retry_interval":   r.RetryInterval,
		"max_queue_wait":   r.MaxQueueWait,
		"ring_timeout":     r.RingTimeout,
		"offer_timeout":    r.OfferTimeout,
		"decision_timeout": r.DecisionTimeout,
		"redial_delay":     r.RedialDelay,
		"idle_timeout":     r.IdleTimeout,
		"dispatch_timeout": r.DispatchTimeout,
	} {
		if d <= 0 {
			addf("routing.%s must be positive", name)
		}
	}
	if r.SweepInterval < 0 {
		addf("routing.sweep_interval must not be negative")
	}
	if r.MaxAgentAttempts <= 0 {
		addf("routing.max_agent_attempts must be positive")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			addf("agents[%d]: id is required", i)
		case seen[a.ID]:
			addf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Phone == "" {
			addf("agents[%d]: phone is required", i)
		}
		if a.Availability != "" {
			if av, err := model.ParseAvailability(a.Availability); err != nil || av == model.Busy {
				addf("agents[%d]: availability %q must be available or offline", i, a.Availability)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	// Map iteration above is unordered
	slices.Sort(problems)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

// EngineConfig returns the routing configuration for the engine
func (c Config) EngineConfig() engine.Config {
	r := c.Routing
	return engine.Config{
		RetryInterval:    r.RetryInterval.D(),
		MaxQueueWait:     r.MaxQueueWait.D(),
		RingTimeout:      r.RingTimeout.D(),
		OfferTimeout:     r.OfferTimeout.D(),
		DecisionTimeout:  r.DecisionTimeout.D(),
		RedialDelay:      r.RedialDelay.D(),
		MaxAgentAttempts: r.MaxAgentAttempts,
		IdleTimeout:      r.IdleTimeout.D(),
		SweepInterval:    r.SweepInterval.D(),
		DispatchTimeout:  r.DispatchTimeout.D(),
		HoldMusicURL:     c.Twilio.HoldMusicURL,
	}
}

// AgentModels returns the configured agents for the registry
func (c Config) AgentModels() []model.Agent {
	agents := make([]model.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		av := model.Available
		if a.Availability != "" {
			if parsed, err := model.ParseAvailability(a.Availability); err == nil {
				av = parsed
			}
		}
		agents = append(agents, model.Agent{
			ID:             a.ID,
			DisplayName:    a.Name,
			ContactAddress: a.Phone,
			Availability:   av,
		})
	}
	return agents
}

// Redacted returns a copy safe to print
func (c Config) Redacted() Config {
	if c.Twilio.AuthToken != "" {
		c.Twilio.AuthToken = redacted
	}
	if c.Admin.JWTSecret != "" {
		c.Admin.JWTSecret = redacted
	}
	c.Agents = append([]Agent(nil), c.Agents...)
	c.Admin.AllowedOrigins = append([]string(nil), c.Admin.AllowedOrigins...)
	return c
}

// YAML encodes the configuration
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
