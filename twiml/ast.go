// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import "time"

// Node is the interface for all TwiML AST nodes
type Node interface {
	isNode()
}

// Response is the root TwiML element
type Response struct {
	Children []Node
}

func (Response) isNode() {}

// Say outputs text-to-speech
type Say struct {
	Text     string
	Voice    string
	Language string
}

func (Say) isNode() {}

// Play plays an audio file
type Play struct {
	URL  string
	Loop int
}

func (Play) isNode() {}

// Pause waits for a specified duration
type Pause struct {
	Length time.Duration
}

func (Pause) isNode() {}

// Gather collects speech or DTMF input
type Gather struct {
	Input               string // "dtmf", "speech", "dtmf speech"
	Timeout             time.Duration
	SpeechTimeout       string // "auto" or seconds
	NumDigits           int
	Language            string
	Action              string
	Method              string // "POST" or "GET"
	ActionOnEmptyResult bool
	Children            []Node // Nested verbs to execute while gathering
}

func (Gather) isNode() {}

// Dial connects to another party
type Dial struct {
	Number     string
	Conference string
	Action     string
	Method     string
	Timeout    time.Duration
	Children   []Node // For nested <Conference>
}

func (Dial) isNode() {}

// Redirect fetches new TwiML from a URL
type Redirect struct {
	URL    string
	Method string
}

func (Redirect) isNode() {}

// Hangup ends the call
type Hangup struct{}

func (Hangup) isNode() {}

// ConferenceDial is used inside <Dial> to join a conference
type ConferenceDial struct {
	Name                   string
	Muted                  bool
	Beep                   bool
	StartConferenceOnEnter bool
	EndConferenceOnExit    bool
	WaitURL                string
	StatusCallback         string
	StatusCallbackEvent    string
	StatusCallbackMethod   string
}

func (ConferenceDial) isNode() {}
