// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import (
	"fmt"

	"github.com/sprucehealth/voicerouter/model"
)

const (
	PromptHolding          = "I apologize, but all our agents are currently busy. Please hold while we find someone to assist you."
	PromptAgentUnavailable = "The agent is no longer available. Please hold while we find someone else to assist you."
	PromptNoAgents         = "We're sorry, no agents are available right now. Please call again later. Goodbye."
	PromptTechnicalFailure = "We're sorry, something went wrong. Goodbye."
	PromptGoodbye          = "Thank you for calling. Goodbye."
	PromptAgentConnecting  = "Connecting you now."
	PromptAgentNoResponse  = "No response received. Call ended."
	PromptAgentDeclined    = "The call will be offered to another agent. Goodbye."
	PromptOfferGone        = "This call is no longer available. Goodbye."
)

// ConnectingPrompt tells the caller which agent they are joining
func ConnectingPrompt(agentName string) string {
	return fmt.Sprintf("Perfect! I'm now connecting you to %s. Please hold for a moment.", agentName)
}

// OfferPrompt is played to a ringing agent
func OfferPrompt(callerName string) string {
	if callerName == "" {
		callerName = "a customer"
	}
	return fmt.Sprintf("You have an incoming call from %s. Press any key to accept, or star to decline.", callerName)
}

// ConferenceName is the bridge name shared by a caller and their agent
func ConferenceName(callID model.SID) string {
	return "call-" + callID.String()
}
