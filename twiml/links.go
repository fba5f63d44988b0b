// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"fmt"
	"net/url"

	"github.com/sprucehealth/voicerouter/engine"
)

var paths = map[engine.Entrypoint]string{
	engine.EntryInbound:          "/voice/inbound",
	engine.EntrySpeech:           "/voice/speech",
	engine.EntryHold:             "/voice/hold",
	engine.EntryAgentAnswer:      "/voice/agent/answer",
	engine.EntryAgentDecision:    "/voice/agent/decision",
	engine.EntryAgentStatus:      "/voice/agent/status",
	engine.EntryConferenceStatus: "/voice/conference/status",
	engine.EntryComplete:         "/voice/complete",
	engine.EntryStatus:           "/voice/status",
}

// Path returns the webhook path serving entry
func Path(entry engine.Entrypoint) (string, bool) {
	p, ok := paths[entry]
	return p, ok
}

// Links resolves logical actions into absolute webhook URLs
type Links struct {
	BaseURL string
}

// URL returns the absolute URL for a, with its params as query string
func (l Links) URL(a engine.Action) (string, error) {
	p, ok := paths[a.Entrypoint]
	if !ok {
		return "", fmt.Errorf("no webhook route for entrypoint %q", a.Entrypoint)
	}
	target := &url.URL{Path: p}
	if len(a.Params) > 0 {
		q := url.Values{}
		for k, v := range a.Params {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}
	return resolveURL(l.BaseURL, target.String())
}

// resolveURL resolves URL relative to the public base URL
func resolveURL(baseURL, actionURL string) (string, error) {
	target, err := url.Parse(actionURL)
	if err != nil {
		return "", fmt.Errorf("invalid action URL %q: %w", actionURL, err)
	}

	if target.IsAbs() {
		return target.String(), nil
	}

	if baseURL == "" {
		return "", fmt.Errorf("cannot resolve relative action URL %q without base", actionURL)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	return base.ResolveReference(target).String(), nil
}
