// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/voicerouter/model"
)

const sample = `
listen_addr: ":9090"
public_base_url: "https://voice.example.com"
log:
  level: debug
  format: json
twilio:
  account_sid: ACfile
  auth_token: file-token
  phone_number: "+15550000000"
routing:
  retry_interval: 5s
  max_queue_wait: 1m
  max_agent_attempts: 2
agents:
  - id: agent_001
    name: Sarah Johnson
    phone: "+1234567890"
  - id: agent_003
    name: Emily Rodriguez
    phone: "+1234567892"
    availability: offline
`

func noEnv(string) (string, bool) { return "", false }

func TestParseOverlaysDefaults(t *testing.T) {
	t.Setenv(EnvAuthToken, "")
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Routing.RetryInterval.D())
	assert.Equal(t, time.Minute, cfg.Routing.MaxQueueWait.D())
	assert.Equal(t, 2, cfg.Routing.MaxAgentAttempts)

	def := Default()
	assert.Equal(t, def.Routing.RingTimeout, cfg.Routing.RingTimeout, "unset values keep defaults")
	assert.Equal(t, def.Twilio.Voice, cfg.Twilio.Voice)
	assert.True(t, cfg.Twilio.ValidateSignatures)
	assert.True(t, cfg.Twilio.Configured())

	ec := cfg.EngineConfig()
	assert.Equal(t, 5*time.Second, ec.RetryInterval)
	assert.Equal(t, def.Twilio.HoldMusicURL, ec.HoldMusicURL)

	agents := cfg.AgentModels()
	require.Len(t, agents, 2)
	assert.Equal(t, model.Agent{ID: "agent_001", DisplayName: "Sarah Johnson", ContactAddress: "+1234567890", Availability: model.Available}, agents[0])
	assert.Equal(t, model.Offline, agents[1].Availability)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("listen_adr: \":9090\"\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDurationForms(t *testing.T) {
	cfg, err := Parse([]byte("routing:\n  redial_delay: 3\n  idle_timeout: 1h30m\n"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Routing.RedialDelay.D())
	assert.Equal(t, 90*time.Minute, cfg.Routing.IdleTimeout.D())

	_, err = Parse([]byte("routing:\n  redial_delay: soon\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.Twilio.AuthToken = "file-token"
	env := map[string]string{
		EnvAccountSID:  "ACenv",
		EnvAuthToken:   "env-token",
		EnvAdminSecret: "s3cret",
		EnvPhoneNumber: "",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "ACenv", cfg.Twilio.AccountSID)
	assert.Equal(t, "env-token", cfg.Twilio.AuthToken)
	assert.Equal(t, "s3cret", cfg.Admin.JWTSecret)
	assert.Empty(t, cfg.Twilio.PhoneNumber, "empty variables do not override")

	before := cfg
	cfg.ApplyEnv(noEnv)
	assert.Equal(t, before, cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative base url", func(c *Config) { c.PublicBaseURL = "/voice" }, "public_base_url"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero retry", func(c *Config) { c.Routing.RetryInterval = 0 }, "routing.retry_interval"},
		{"negative sweep", func(c *Config) { c.Routing.SweepInterval = -1 }, "routing.sweep_interval"},
		{"no attempts", func(c *Config) { c.Routing.MaxAgentAttempts = 0 }, "routing.max_agent_attempts"},
		{"negative reprompts", func(c *Config) { c.Dialog.MaxReprompts = -1 }, "dialog.max_reprompts"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []Agent{{ID: "a", Phone: "+1"}, {ID: "a", Phone: "+2"}}
		}, "duplicate id"},
		{"agent without phone", func(c *Config) { c.Agents = []Agent{{ID: "a"}} }, "phone is required"},
		{"busy agent", func(c *Config) {
			c.Agents = []Agent{{ID: "a", Phone: "+1", Availability: "busy"}}
		}, "availability"},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Twilio.AuthToken = "token"
	cfg.Admin.JWTSecret = "secret"

	out, err := cfg.Redacted().YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "token\n")
	assert.NotContains(t, string(out), "secret\n")
	assert.Contains(t, string(out), redacted)
	assert.Equal(t, "token", cfg.Twilio.AuthToken, "original is untouched")
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "voicerouter.yaml"))
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 4)

	offline := 0
	for _, a := range cfg.AgentModels() {
		if a.Availability == model.Offline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
