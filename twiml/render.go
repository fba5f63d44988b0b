// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package twiml renders engine directives as Twilio TwiML and parses TwiML
// back into an AST for the simulated provider used in tests and demos.
package twiml

import (
	"fmt"
	"strconv"
	"time"

	twilio "github.com/twilio/twilio-go/twiml"

	"github.com/sprucehealth/voicerouter/engine"
)

const (
	DefaultVoice    = "alice"
	DefaultLanguage = "en-US"

	// conferenceEvents are the participant events forwarded to StatusAction
	conferenceEvents = "start end join leave"
)

// Renderer turns engine responses into TwiML documents
type Renderer struct {
	Links    Links
	Voice    string
	Language string
}

// NewRenderer creates a renderer resolving actions against baseURL
func NewRenderer(baseURL string) *Renderer {
	return &Renderer{
		Links:    Links{BaseURL: baseURL},
		Voice:    DefaultVoice,
		Language: DefaultLanguage,
	}
}

// Render returns the TwiML document for resp. An empty response renders an
// empty <Response/>, which acknowledges a callback without changing the call.
func (r *Renderer) Render(resp engine.Response) (string, error) {
	elements := make([]twilio.Element, 0, len(resp.Directives))
	for _, d := range resp.Directives {
		el, err := r.element(d)
		if err != nil {
			return "", err
		}
		elements = append(elements, el)
	}
	return twilio.Voice(elements)
}

func (r *Renderer) element(d engine.Directive) (twilio.Element, error) {
	switch d := d.(type) {
	case engine.Speak:
		return r.say(d.Text), nil
	case engine.Gather:
		return r.gather(d)
	case engine.Pause:
		return &twilio.VoicePause{Length: seconds(d.Length)}, nil
	case engine.Play:
		play := &twilio.VoicePlay{Url: d.URL}
		if d.Loop > 1 {
			play.Loop = strconv.Itoa(d.Loop)
		}
		return play, nil
	case engine.Conference:
		return r.conference(d)
	case engine.Redirect:
		u, err := r.Links.URL(d.Action)
		if err != nil {
			return nil, err
		}
		return &twilio.VoiceRedirect{Url: u, Method: "POST"}, nil
	case engine.Hangup:
		return &twilio.VoiceHangup{}, nil
	}
	return nil, fmt.Errorf("twiml: unsupported directive %T", d)
}

func (r *Renderer) say(text string) *twilio.VoiceSay {
	return &twilio.VoiceSay{Message: text, Voice: r.Voice, Language: r.Language}
}

func (r *Renderer) gather(g engine.Gather) (twilio.Element, error) {
	u, err := r.Links.URL(g.Action)
	if err != nil {
		return nil, err
	}
	el := &twilio.VoiceGather{
		Input:               string(g.Input),
		Action:              u,
		Method:              "POST",
		Language:            r.Language,
		ActionOnEmptyResult: "true",
	}
	if g.Timeout > 0 {
		el.Timeout = seconds(g.Timeout)
	}
	if g.Input == engine.InputSpeech {
		el.SpeechTimeout = "auto"
	}
	if g.NumDigits > 0 {
		el.NumDigits = strconv.Itoa(g.NumDigits)
	}
	if g.Prompt != "" {
		el.InnerElements = []twilio.Element{r.say(g.Prompt)}
	}
	return el, nil
}

func (r *Renderer) conference(c engine.Conference) (twilio.Element, error) {
	conf := &twilio.VoiceConference{
		Name:                   c.Name,
		Beep:                   "false",
		StartConferenceOnEnter: strconv.FormatBool(c.StartOnEnter),
		EndConferenceOnExit:    strconv.FormatBool(c.EndOnExit),
	}
	if !c.StatusAction.IsZero() {
		u, err := r.Links.URL(c.StatusAction)
		if err != nil {
			return nil, err
		}
		conf.StatusCallback = u
		conf.StatusCallbackEvent = conferenceEvents
		conf.StatusCallbackMethod = "POST"
	}

	dial := &twilio.VoiceDial{InnerElements: []twilio.Element{conf}}
	if !c.Action.IsZero() {
		u, err := r.Links.URL(c.Action)
		if err != nil {
			return nil, err
		}
		dial.Action = u
		dial.Method = "POST"
	}
	return dial, nil
}

func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
