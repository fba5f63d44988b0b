// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"fmt"
	"strings"
)

// Availability is an agent's routing availability
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// ParseAvailability parses a case-insensitive availability name
func ParseAvailability(s string) (Availability, error) {
	switch a := Availability(strings.ToLower(strings.TrimSpace(s))); a {
	case Available, Busy, Offline:
		return a, nil
	default:
		return "", fmt.Errorf("unknown availability %q", s)
	}
}

// Agent is a human agent that can be bridged with a caller.
// Availability is Busy exactly when CurrentSessionID is set.
type Agent struct {
	ID               string       `json:"id"`
	DisplayName      string       `json:"display_name"`
	ContactAddress   string       `json:"contact_address"`
	Availability     Availability `json:"availability"`
	CurrentSessionID SID          `json:"current_session_id,omitempty"`
}

// Consistent reports whether the Busy/CurrentSessionID invariant holds
func (a Agent) Consistent() bool {
	return (a.Availability == Busy) == (a.CurrentSessionID != "")
}
