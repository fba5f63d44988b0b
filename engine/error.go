// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package engine

import "errors"

// ErrNoDispatcher is returned by provider requests of an engine built
// without WithDispatcher
var ErrNoDispatcher = errors.New("no dispatcher configured")

// Failure reasons recorded on sessions and in metrics
const (
	ReasonInputExhausted     = "input_exhausted"
	ReasonQueueTimeout       = "queue_timeout"
	ReasonAttemptsExhausted  = "agent_attempts_exhausted"
	ReasonInvariantViolation = "invariant_violation"
	ReasonAbandoned          = "abandoned"
	ReasonProviderStatus     = "provider_status"
)

// Agent decline reasons
const (
	DeclineRejected  = "rejected"
	DeclineTimeout   = "timeout"
	DeclineNoAnswer  = "no_answer"
	DeclineRingError = "ring_error"
)
