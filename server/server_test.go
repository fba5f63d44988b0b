// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package server_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/voicerouter/dialog"
	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/httpstub"
	"github.com/sprucehealth/voicerouter/model"
	"github.com/sprucehealth/voicerouter/registry"
	"github.com/sprucehealth/voicerouter/server"
	"github.com/sprucehealth/voicerouter/telephony"
	"github.com/sprucehealth/voicerouter/twiml"
)

const (
	publicURL   = "https://voice.example.com"
	authToken   = "twilio-secret"
	adminSecret = "admin-secret"
)

type fixture struct {
	srv    *server.Server
	engine *engine.Engine
	reg    *registry.Registry
	mock   *telephony.Mock
	hub    *server.Hub
	opts   server.Options
}

func newFixture(t *testing.T, opts server.Options) *fixture {
	t.Helper()
	reg, err := registry.New([]model.Agent{
		{ID: "A1", DisplayName: "Sarah Johnson", ContactAddress: "+15550000001", Availability: model.Available},
		{ID: "A2", DisplayName: "Mike Chen", ContactAddress: "+15550000002", Availability: model.Offline},
	})
	require.NoError(t, err)

	mock := telephony.NewMock()
	hub := server.NewHub(zerolog.Nop())
	promReg := prometheus.NewRegistry()
	e := engine.New(reg, dialog.New(),
		engine.WithManualClock(),
		engine.WithDispatcher(mock),
		engine.WithEventSink(hub),
		engine.WithMetrics(engine.NewMetrics(promReg)),
		engine.WithIDGenerator(func() string { return "offer-1" }),
	)
	t.Cleanup(func() { _ = e.Close() })

	opts.PublicBaseURL = publicURL
	opts.Gatherer = promReg
	opts.Logger = zerolog.Nop()
	opts.Hub = hub
	s := server.New(e, reg, twiml.NewRenderer(publicURL), opts)
	t.Cleanup(hub.Close)
	return &fixture{srv: s, engine: e, reg: reg, mock: mock, hub: hub, opts: opts}
}

func (f *fixture) webhook(t *testing.T, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if f.opts.AuthToken != "" {
		req.Header.Set("X-Twilio-Signature", httpstub.Sign(f.opts.AuthToken, publicURL+target, form))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) twiml(t *testing.T, target string, form url.Values) *twiml.Response {
	t.Helper()
	rec := f.webhook(t, target, form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	doc, err := twiml.Parse(rec.Body.Bytes())
	require.NoError(t, err, rec.Body.String())
	return doc
}

func (f *fixture) admin(t *testing.T, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := server.IssueToken(adminSecret, "ops", time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func relative(t *testing.T, abs string) string {
	t.Helper()
	u, err := url.Parse(abs)
	require.NoError(t, err)
	return u.RequestURI()
}

func gatherAction(t *testing.T, doc *twiml.Response) (string, *twiml.Gather) {
	t.Helper()
	for _, n := range doc.Children {
		if g, ok := n.(*twiml.Gather); ok {
			return relative(t, g.Action), g
		}
	}
	t.Fatalf("no gather in response")
	return "", nil
}

func findDial(doc *twiml.Response) *twiml.Dial {
	for _, n := range doc.Children {
		if d, ok := n.(*twiml.Dial); ok {
			return d
		}
	}
	return nil
}

func TestWebhookCallFlow(t *testing.T) {
	f := newFixture(t, server.Options{AuthToken: authToken})
	call := url.Values{"CallSid": {"CA100"}, "From": {"+15551234567"}, "To": {"+15559999999"}}

	doc := f.twiml(t, "/voice/inbound", call)
	next, g := gatherAction(t, doc)
	assert.Equal(t, "speech", g.Input)
	assert.Equal(t, "/voice/speech", strings.Split(next, "?")[0])

	doc = f.twiml(t, next, url.Values{"CallSid": {"CA100"}, "SpeechResult": {"Alice"}})
	next, _ = gatherAction(t, doc)

	doc = f.twiml(t, next, url.Values{"CallSid": {"CA100"}, "SpeechResult": {"30"}})
	dial := findDial(doc)
	require.NotNil(t, dial, "caller should be dialed into the bridge")
	require.Len(t, dial.Children, 1)
	conf := dial.Children[0].(*twiml.ConferenceDial)
	assert.Equal(t, "call-CA100", conf.Name)
	assert.True(t, conf.EndConferenceOnExit)

	s, ok := f.engine.Session("CA100")
	require.True(t, ok)
	assert.Equal(t, model.SessionBridged, s.Status)
	assert.Equal(t, "A1", s.AssignedAgentID)

	f.engine.WaitIdle()
	rings := f.mock.RingRequests()
	require.Len(t, rings, 1)
	answerURL, err := twiml.Links{BaseURL: publicURL}.URL(rings[0].Answer)
	require.NoError(t, err)

	s, _ = f.engine.Session("CA100")
	agentLeg := s.AgentCallSID.String()
	doc = f.twiml(t, relative(t, answerURL), url.Values{"CallSid": {agentLeg}})
	decision, g := gatherAction(t, doc)
	assert.Equal(t, "dtmf", g.Input)

	doc = f.twiml(t, decision, url.Values{"CallSid": {agentLeg}, "Digits": {"1"}})
	require.NotNil(t, findDial(doc), "accepting agent joins the bridge")

	s, _ = f.engine.Session("CA100")
	assert.True(t, s.AgentJoined)

	doc = f.twiml(t, relative(t, publicURL+"/voice/complete?offer=offer-1"), url.Values{
		"CallSid":          {"CA100"},
		"DialCallStatus":   {"completed"},
		"DialCallDuration": {"42"},
	})
	assert.NotEmpty(t, doc.Children)

	_, ok = f.engine.Session("CA100")
	assert.False(t, ok, "completed session is dropped")
	a, _ := f.reg.Get("A1")
	assert.Equal(t, model.Available, a.Availability)
}

func TestWebhookMissingCallSid(t *testing.T) {
	f := newFixture(t, server.Options{})
	rec := f.webhook(t, "/voice/inbound", url.Values{"From": {"+15551234567"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAgentLegRequiresParams(t *testing.T) {
	f := newFixture(t, server.Options{})
	rec := f.webhook(t, "/voice/agent/answer?call=CA1", url.Values{"CallSid": {"CA-agent"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsGet(t *testing.T) {
	f := newFixture(t, server.Options{})
	rec := f.admin(t, http.MethodGet, "/voice/inbound", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookSignature(t *testing.T) {
	f := newFixture(t, server.Options{AuthToken: authToken})
	form := url.Values{"CallSid": {"CA200"}, "From": {"+15551234567"}}

	rec := f.webhook(t, "/voice/inbound", form)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/voice/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", httpstub.Sign("wrong-token", publicURL+"/voice/inbound", form))
	bad := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusForbidden, bad.Code)

	_, ok := f.engine.Session("CA200")
	assert.True(t, ok)
	assert.Len(t, f.engine.Sessions(), 1, "rejected webhook must not reach the engine")
}

func TestStatusCallbackIgnoresProgress(t *testing.T) {
	f := newFixture(t, server.Options{})
	f.twiml(t, "/voice/inbound", url.Values{"CallSid": {"CA300"}})

	doc := f.twiml(t, "/voice/status", url.Values{"CallSid": {"CA300"}, "CallStatus": {"in-progress"}})
	assert.Empty(t, doc.Children)
	_, ok := f.engine.Session("CA300")
	assert.True(t, ok)

	f.twiml(t, "/voice/status", url.Values{"CallSid": {"CA300"}, "CallStatus": {"completed"}, "CallDuration": {"12"}})
	_, ok = f.engine.Session("CA300")
	assert.False(t, ok)
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, server.Options{})
	rec := f.admin(t, http.MethodGet, "/api/snapshot", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, server.Options{AdminSecret: adminSecret})

	rec := f.admin(t, http.MethodGet, "/api/snapshot", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	forged, err := server.IssueToken("other-secret", "ops", time.Hour, time.Now())
	require.NoError(t, err)
	rec = f.admin(t, http.MethodGet, "/api/snapshot", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := server.IssueToken(adminSecret, "ops", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	rec = f.admin(t, http.MethodGet, "/api/snapshot", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenRoundTrip(t *testing.T) {
	tok := adminToken(t)
	subject, err := server.ParseToken(adminSecret, tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)

	_, err = server.IssueToken("", "ops", time.Hour, time.Now())
	assert.Error(t, err)
}

func TestAdminSnapshot(t *testing.T) {
	f := newFixture(t, server.Options{AdminSecret: adminSecret})
	f.twiml(t, "/voice/inbound", url.Values{"CallSid": {"CA400"}})

	rec := f.admin(t, http.MethodGet, "/api/snapshot", adminToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap engine.StateSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, model.SID("CA400"), snap.Sessions[0].ID)
	assert.Len(t, snap.Agents, 2)
}

func TestAdminAgents(t *testing.T) {
	f := newFixture(t, server.Options{AdminSecret: adminSecret})
	tok := adminToken(t)

	rec := f.admin(t, http.MethodGet, "/api/agents", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []model.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Agents, 2)

	rec = f.admin(t, http.MethodPut, "/api/agents/A2/availability", tok, strings.NewReader(`{"availability":"available"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var a model.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, model.Available, a.Availability)
	got, _ := f.reg.Get("A2")
	assert.Equal(t, model.Available, got.Availability)

	cases := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"unknown agent", "/api/agents/nobody/availability", `{"availability":"offline"}`, http.StatusNotFound},
		{"bad json", "/api/agents/A1/availability", `{`, http.StatusBadRequest},
		{"bad value", "/api/agents/A1/availability", `{"availability":"napping"}`, http.StatusBadRequest},
		{"busy is not settable", "/api/agents/A1/availability", `{"availability":"busy"}`, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := f.admin(t, http.MethodPut, c.target, tok, strings.NewReader(c.body))
			assert.Equal(t, c.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAdminCORSPreflight(t *testing.T) {
	f := newFixture(t, server.Options{AdminSecret: adminSecret, AllowedOrigins: []string{"https://ops.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/agents", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "authorization")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, server.Options{AdminSecret: adminSecret})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?token=" + url.QueryEscape(adminToken(t))
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	f.twiml(t, "/voice/inbound", url.Values{"CallSid": {"CA500"}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg server.EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, model.SID("CA500"), msg.CallSID)
	assert.Equal(t, "session.created", msg.Event.Type)
}

func TestEventStreamRequiresToken(t *testing.T) {
	f := newFixture(t, server.Options{AdminSecret: adminSecret})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, server.Options{})
	f.twiml(t, "/voice/inbound", url.Values{"CallSid": {"CA600"}})

	rec := f.admin(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = f.admin(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "voicerouter_sessions_active 1")
}
