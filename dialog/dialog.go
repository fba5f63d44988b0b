// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package dialog implements the caller identification dialog as a pure state
// machine: (step, collected fields, recognized speech) in, (next step, prompt,
// expected field) out. It performs no I/O.
package dialog

import (
	"fmt"
	"maps"

	"github.com/sprucehealth/voicerouter/model"
)

const (
	PromptGreeting   = "Hello! Welcome to our AI call center. Please tell me your name."
	PromptNameRetry  = "I didn't catch your name. Please try again. Please tell me your name."
	PromptAgeRetry   = "I didn't catch your age. Please try again. Could you please tell me your age?"
	PromptRouting    = "Let me verify your details and transfer you to an available agent."
	PromptInputEnded = "I'm sorry, we couldn't understand your response. Please call again later. Goodbye."
)

// DefaultMaxReprompts is how many times an empty or unintelligible answer is
// re-asked before the dialog gives up.
const DefaultMaxReprompts = 1

// State is the dialog position of one caller
type State struct {
	Step      model.DialogStep
	Fields    map[string]string
	Reprompts int
}

// Result is the outcome of one dialog transition
type Result struct {
	State  State
	Prompt string
	// Expect is the field the next speech result answers, empty if none
	Expect string
	// Failed is set when the dialog ended because input could not be collected
	Failed bool
}

// Handoff reports whether the dialog reached the point where the caller
// should be routed to an agent.
func (r Result) Handoff() bool {
	return r.State.Step == model.StepRouting
}

// Engine runs the dialog. It is safe for concurrent use.
type Engine struct {
	maxReprompts int
}

// Option configures the engine
type Option func(*Engine)

// WithMaxReprompts sets the re-prompt budget shared by every collected field
func WithMaxReprompts(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxReprompts = n
		}
	}
}

// New creates a dialog engine
func New(opts ...Option) *Engine {
	e := &Engine{maxReprompts: DefaultMaxReprompts}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxReprompts returns the configured re-prompt budget
func (e *Engine) MaxReprompts() int {
	return e.maxReprompts
}

// Start returns the entry prompt of a new dialog
func (e *Engine) Start() Result {
	return Result{
		State:  State{Step: model.StepGreeting, Fields: map[string]string{}},
		Prompt: PromptGreeting,
		Expect: model.FieldName,
	}
}

// Advance feeds recognized speech into the dialog. The input state is not modified.
func (e *Engine) Advance(st State, speech string) Result {
	switch st.Step {
	case model.StepGreeting, model.StepCollectName:
		name, ok := ParseName(speech)
		if !ok {
			return e.reprompt(st, PromptNameRetry, model.FieldName)
		}
		fields := withField(st.Fields, model.FieldName, name)
		return Result{
			State:  State{Step: model.StepCollectAge, Fields: fields},
			Prompt: AgePrompt(name),
			Expect: model.FieldAge,
		}
	case model.StepCollectAge:
		age, ok := ParseAge(speech)
		if !ok {
			return e.reprompt(st, PromptAgeRetry, model.FieldAge)
		}
		fields := withField(st.Fields, model.FieldAge, fmt.Sprint(age))
		return Result{
			State:  State{Step: model.StepVerifying, Fields: fields},
			Prompt: VerifyPrompt(fields[model.FieldName], fields[model.FieldAge]),
		}
	case model.StepVerifying:
		return Result{
			State:  State{Step: model.StepRouting, Fields: maps.Clone(st.Fields)},
			Prompt: PromptRouting,
		}
	default:
		// Routing hands off to the scheduler; Connected and Ended are terminal.
		return Result{State: State{Step: st.Step, Fields: maps.Clone(st.Fields), Reprompts: st.Reprompts}}
	}
}

func (e *Engine) reprompt(st State, prompt, field string) Result {
	if st.Reprompts >= e.maxReprompts {
		return Result{
			State:  State{Step: model.StepEnded, Fields: maps.Clone(st.Fields), Reprompts: st.Reprompts},
			Prompt: PromptInputEnded,
			Failed: true,
		}
	}
	return Result{
		State:  State{Step: st.Step, Fields: maps.Clone(st.Fields), Reprompts: st.Reprompts + 1},
		Prompt: prompt,
		Expect: field,
	}
}

// AgePrompt asks for the caller's age by name
func AgePrompt(name string) string {
	return fmt.Sprintf("Great %s! Now, could you please tell me your age?", name)
}

// VerifyPrompt confirms the collected details back to the caller
func VerifyPrompt(name, age string) string {
	return fmt.Sprintf("Thank you %s. I have your age as %s.", name, age)
}

func withField(fields map[string]string, key, value string) map[string]string {
	out := maps.Clone(fields)
	if out == nil {
		out = make(map[string]string, 1)
	}
	out[key] = value
	return out
}
