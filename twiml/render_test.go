// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/voicerouter/engine"
)

const baseURL = "https://voice.example.com"

func render(t *testing.T, resp engine.Response) *Response {
	t.Helper()
	doc, err := NewRenderer(baseURL).Render(resp)
	require.NoError(t, err)
	parsed, err := Parse([]byte(doc))
	require.NoError(t, err, doc)
	return parsed
}

func TestRenderSpeechGather(t *testing.T) {
	doc := render(t, engine.Say(engine.Gather{
		Input:   engine.InputSpeech,
		Timeout: 5 * time.Second,
		Prompt:  "Please tell me your name.",
		Action:  engine.Action{Entrypoint: engine.EntrySpeech},
	}))

	require.Len(t, doc.Children, 1)
	g, ok := doc.Children[0].(*Gather)
	require.True(t, ok)
	assert.Equal(t, "speech", g.Input)
	assert.Equal(t, "auto", g.SpeechTimeout)
	assert.Equal(t, 5*time.Second, g.Timeout)
	assert.Equal(t, DefaultLanguage, g.Language)
	assert.Equal(t, "POST", g.Method)
	assert.True(t, g.ActionOnEmptyResult)
	assert.Equal(t, baseURL+"/voice/speech", g.Action)

	require.Len(t, g.Children, 1)
	say := g.Children[0].(*Say)
	assert.Equal(t, "Please tell me your name.", say.Text)
	assert.Equal(t, DefaultVoice, say.Voice)
}

func TestRenderDigitGather(t *testing.T) {
	doc := render(t, engine.Say(engine.Gather{
		Input:     engine.InputDigits,
		NumDigits: 1,
		Timeout:   10 * time.Second,
		Prompt:    "Press any key to accept.",
		Action: engine.Action{
			Entrypoint: engine.EntryAgentDecision,
			Params:     map[string]string{engine.ParamCall: "CA1", engine.ParamAgent: "A1", engine.ParamOffer: "o1"},
		},
	}))

	g := doc.Children[0].(*Gather)
	assert.Equal(t, "dtmf", g.Input)
	assert.Equal(t, 1, g.NumDigits)
	assert.Empty(t, g.SpeechTimeout)
	assert.Equal(t, 10*time.Second, g.Timeout)

	u, err := url.Parse(g.Action)
	require.NoError(t, err)
	assert.Equal(t, "/voice/agent/decision", u.Path)
	assert.Equal(t, url.Values{"call": {"CA1"}, "agent": {"A1"}, "offer": {"o1"}}, u.Query())
}

func TestRenderConference(t *testing.T) {
	doc := render(t, engine.Say(
		engine.Speak{Text: "Connecting you now."},
		engine.Conference{
			Name:         "call-CA1",
			Role:         engine.RoleCaller,
			StartOnEnter: true,
			EndOnExit:    true,
			Action:       engine.Action{Entrypoint: engine.EntryComplete, Params: map[string]string{engine.ParamOffer: "o1"}},
			StatusAction: engine.Action{Entrypoint: engine.EntryConferenceStatus, Params: map[string]string{engine.ParamCall: "CA1"}},
		},
	))

	require.Len(t, doc.Children, 2)
	dial, ok := doc.Children[1].(*Dial)
	require.True(t, ok)
	assert.Equal(t, "call-CA1", dial.Conference)
	assert.Equal(t, baseURL+"/voice/complete?offer=o1", dial.Action)

	conf := dial.Children[0].(*ConferenceDial)
	assert.True(t, conf.StartConferenceOnEnter)
	assert.True(t, conf.EndConferenceOnExit)
	assert.False(t, conf.Beep)
	assert.Equal(t, baseURL+"/voice/conference/status?call=CA1", conf.StatusCallback)
	assert.Equal(t, "start end join leave", conf.StatusCallbackEvent)
}

func TestRenderAgentConferenceWithoutAction(t *testing.T) {
	doc := render(t, engine.Say(engine.Conference{Name: "call-CA1", Role: engine.RoleAgent, EndOnExit: true}))

	dial := doc.Children[0].(*Dial)
	assert.Empty(t, dial.Action)
	conf := dial.Children[0].(*ConferenceDial)
	assert.False(t, conf.StartConferenceOnEnter)
	assert.Empty(t, conf.StatusCallback)
}

func TestRenderHoldLoop(t *testing.T) {
	doc := render(t, engine.Say(
		engine.Speak{Text: "Please hold."},
		engine.Play{URL: "https://example.com/hold.wav"},
		engine.Pause{Length: 10 * time.Second},
		engine.Redirect{Action: engine.Action{Entrypoint: engine.EntryHold}},
	))

	require.Len(t, doc.Children, 4)
	assert.Equal(t, "https://example.com/hold.wav", doc.Children[1].(*Play).URL)
	assert.Equal(t, 10*time.Second, doc.Children[2].(*Pause).Length)
	redirect := doc.Children[3].(*Redirect)
	assert.Equal(t, baseURL+"/voice/hold", redirect.URL)
	assert.Equal(t, "POST", redirect.Method)
}

func TestRenderGoodbye(t *testing.T) {
	doc := render(t, engine.Say(engine.Speak{Text: "Goodbye & thanks."}, engine.Hangup{}))

	require.Len(t, doc.Children, 2)
	assert.Equal(t, "Goodbye & thanks.", doc.Children[0].(*Say).Text)
	assert.IsType(t, &Hangup{}, doc.Children[1])
}

func TestRenderEmpty(t *testing.T) {
	doc := render(t, engine.Response{})
	assert.Empty(t, doc.Children)
}

func TestRenderRejectsUnroutableAction(t *testing.T) {
	_, err := NewRenderer(baseURL).Render(engine.Say(engine.Redirect{Action: engine.Action{Entrypoint: "nowhere"}}))
	assert.Error(t, err)

	_, err = NewRenderer("").Render(engine.Say(engine.Redirect{Action: engine.Action{Entrypoint: engine.EntryHold}}))
	assert.Error(t, err, "relative action without base")
}

func TestLinksResolveAgainstBase(t *testing.T) {
	u, err := Links{BaseURL: "https://voice.example.com/"}.URL(engine.Action{Entrypoint: engine.EntryStatus})
	require.NoError(t, err)
	assert.Equal(t, "https://voice.example.com/voice/status", u)

	p, ok := Path(engine.EntryAgentAnswer)
	assert.True(t, ok)
	assert.Equal(t, "/voice/agent/answer", p)
}
