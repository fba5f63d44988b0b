// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package httpstub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/voicerouter/dialog"
	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/httpstub"
	"github.com/sprucehealth/voicerouter/model"
	"github.com/sprucehealth/voicerouter/registry"
	"github.com/sprucehealth/voicerouter/server"
	"github.com/sprucehealth/voicerouter/telephony"
	"github.com/sprucehealth/voicerouter/twiml"
)

const token = "stub-token"

func TestSignMatchesTwilioValidator(t *testing.T) {
	form := url.Values{"CallSid": {"CA1"}, "SpeechResult": {"Alice"}, "From": {"+15551234567"}}
	target := "https://voice.example.com/voice/speech?call=CA1"
	sig := httpstub.Sign(token, target, form)

	params := map[string]string{}
	for k := range form {
		params[k] = form.Get(k)
	}
	valid := client.NewRequestValidator(token)
	assert.True(t, valid.Validate(target, params, sig))
	forged := client.NewRequestValidator("other")
	assert.False(t, forged.Validate(target, params, sig))
}

// stack serves a real router over HTTP with signature checks enabled
func stack(t *testing.T, agents ...model.Agent) (*httptest.Server, *engine.Engine) {
	t.Helper()
	reg, err := registry.New(agents)
	require.NoError(t, err)
	e := engine.New(reg, dialog.New(),
		engine.WithManualClock(),
		engine.WithDispatcher(telephony.NewMock()),
	)
	t.Cleanup(func() { _ = e.Close() })

	var h http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	h = server.New(e, reg, twiml.NewRenderer(ts.URL), server.Options{
		PublicBaseURL: ts.URL,
		AuthToken:     token,
		Logger:        zerolog.Nop(),
	}).Handler()
	return ts, e
}

func newCaller(ts *httptest.Server, sid model.SID, answers ...string) *httpstub.Caller {
	return &httpstub.Caller{
		Client:  httpstub.NewDefaultWebhookClient(5*time.Second, token),
		BaseURL: ts.URL,
		CallSID: sid,
		From:    "+15551234567",
		To:      "+15559999999",
		Answers: answers,
	}
}

func TestCallerReachesAgent(t *testing.T) {
	ts, e := stack(t, model.Agent{ID: "A1", DisplayName: "Sarah Johnson", ContactAddress: "+15550000001", Availability: model.Available})
	ctx := context.Background()
	c := newCaller(ts, "CA1", "Alice", "30")

	doc, err := c.Dial(ctx)
	require.NoError(t, err)
	conf := httpstub.Conference(doc)
	require.NotNil(t, conf)
	assert.Equal(t, "call-CA1", conf.Name)
	assert.Contains(t, httpstub.Spoken(doc), "Thank you Alice. I have your age as 30.")
	assert.Len(t, c.Transcript(), 3)

	s, ok := e.Session("CA1")
	require.True(t, ok)
	assert.Equal(t, model.SessionBridged, s.Status)

	require.NoError(t, c.Hangup(ctx, 42*time.Second))
	_, ok = e.Session("CA1")
	assert.False(t, ok)
}

func TestCallerHeldWithoutAgents(t *testing.T) {
	ts, e := stack(t, model.Agent{ID: "A1", ContactAddress: "+15550000001", Availability: model.Offline})
	ctx := context.Background()
	c := newCaller(ts, "CA2", "Bob", "41")

	doc, err := c.Dial(ctx)
	require.NoError(t, err)
	assert.Nil(t, httpstub.Conference(doc))

	doc, err = c.Hold(ctx, doc)
	require.NoError(t, err)
	_, err = c.Hold(ctx, doc)
	require.NoError(t, err, "hold loops back to itself")

	s, ok := e.Session("CA2")
	require.True(t, ok)
	assert.Equal(t, model.SessionQueued, s.Status)
}

func TestCallerSilenceEndsDialog(t *testing.T) {
	ts, e := stack(t)
	doc, err := newCaller(ts, "CA3").Dial(context.Background())
	require.NoError(t, err)
	assert.Nil(t, httpstub.SpeechGather(doc))

	s, ok := e.Session("CA3")
	if ok {
		assert.Equal(t, model.StepEnded, s.Step)
	}
}

func TestUnsignedRequestRejected(t *testing.T) {
	ts, _ := stack(t)
	c := newCaller(ts, "CA4")
	c.Client = httpstub.NewDefaultWebhookClient(5*time.Second, "")

	_, err := c.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestMockWebhookClient(t *testing.T) {
	m := httpstub.NewMockWebhookClient()
	m.ResponseFunc = func(target string, form url.Values) (int, []byte, http.Header, error) {
		if form.Get("SpeechResult") == "" {
			return http.StatusOK, []byte(`<Response><Gather input="speech" action="/voice/speech"><Say>Name?</Say></Gather></Response>`), nil, nil
		}
		return http.StatusOK, []byte(`<Response><Say>Bye.</Say><Hangup/></Response>`), nil, nil
	}
	c := &httpstub.Caller{Client: m, BaseURL: "https://voice.example.com", CallSID: "CA5", Answers: []string{"Alice"}}

	doc, err := c.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Bye."}, httpstub.Spoken(doc))

	calls := m.GetCallsTo("/voice/speech")
	require.Len(t, calls, 1)
	assert.Equal(t, "Alice", calls[0].Form.Get("SpeechResult"))
	assert.Equal(t, "CA5", calls[0].Form.Get("CallSid"))
	assert.Equal(t, "https://voice.example.com/voice/speech", calls[0].URL)
}
