// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package httpstub plays the provider side of the voice webhooks: it signs
// form posts the way Twilio does and walks a caller through the returned
// TwiML. It backs the demo and the end to end tests.
package httpstub

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sprucehealth/voicerouter/model"
	"github.com/sprucehealth/voicerouter/twiml"
)

// SignatureHeader carries the request signature
const SignatureHeader = "X-Twilio-Signature"

// WebhookClient defines the interface for making webhook HTTP calls
type WebhookClient interface {
	POST(ctx context.Context, url string, form url.Values) (status int, body []byte, headers http.Header, err error)
}

// Sign returns the signature Twilio sends for a form POST to fullURL:
// base64(HMAC-SHA1(token, url + sorted key/value pairs)).
func Sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DefaultWebhookClient is the default implementation using http.Client
type DefaultWebhookClient struct {
	client    *http.Client
	authToken string
}

// NewDefaultWebhookClient creates a webhook client. Requests are signed
// when authToken is set.
func NewDefaultWebhookClient(timeout time.Duration, authToken string) *DefaultWebhookClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &DefaultWebhookClient{
		client:    &http.Client{Timeout: timeout},
		authToken: authToken,
	}
}

// POST makes an HTTP POST request with form data
func (c *DefaultWebhookClient) POST(ctx context.Context, targetURL string, form url.Values) (status int, body []byte, headers http.Header, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "TwilioProxy/1.1")
	if c.authToken != "" {
		req.Header.Set(SignatureHeader, Sign(c.authToken, targetURL, form))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, resp.Header, nil
}

// MockWebhookClient is a test double for capturing webhook calls
type MockWebhookClient struct {
	mu    sync.Mutex
	Calls []MockCall
	// ResponseFunc allows tests to control responses
	ResponseFunc func(url string, form url.Values) (status int, body []byte, headers http.Header, err error)
}

// MockCall records a webhook call
type MockCall struct {
	URL  string
	Form url.Values
	Time time.Time
}

// NewMockWebhookClient creates a new mock client
func NewMockWebhookClient() *MockWebhookClient {
	return &MockWebhookClient{}
}

// POST records the call and returns the configured response
func (m *MockWebhookClient) POST(ctx context.Context, targetURL string, form url.Values) (status int, body []byte, headers http.Header, err error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{URL: targetURL, Form: form, Time: time.Now()})
	fn := m.ResponseFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(targetURL, form)
	}
	return http.StatusOK, []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`), make(http.Header), nil
}

// GetCallsTo returns all calls whose URL path is path
func (m *MockWebhookClient) GetCallsTo(path string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []MockCall
	for _, call := range m.Calls {
		if u, err := url.Parse(call.URL); err == nil && u.Path == path {
			result = append(result, call)
		}
	}
	return result
}

// Turn is one webhook exchange of a simulated call
type Turn struct {
	URL      string
	Form     url.Values
	Response *twiml.Response
}

// Caller simulates one inbound caller. Answers are spoken, in order, to each
// speech gather; an exhausted script answers with silence.
type Caller struct {
	Client  WebhookClient
	BaseURL string
	CallSID model.SID
	From    string
	To      string
	Answers []string

	mu         sync.Mutex
	next       int
	transcript []Turn
}

// Post sends form to target, resolved against the base URL, and parses the
// returned TwiML. CallSid and the caller numbers are always included.
func (c *Caller) Post(ctx context.Context, target string, form url.Values) (*twiml.Response, error) {
	full, err := c.resolve(target)
	if err != nil {
		return nil, err
	}
	if form == nil {
		form = url.Values{}
	}
	form.Set("CallSid", c.CallSID.String())
	form.Set("From", c.From)
	form.Set("To", c.To)
	form.Set("Direction", "inbound")

	status, body, _, err := c.Client.POST(ctx, full, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("webhook %s returned %d: %s", full, status, strings.TrimSpace(string(body)))
	}
	doc, err := twiml.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("webhook %s returned invalid TwiML: %w", full, err)
	}

	c.mu.Lock()
	c.transcript = append(c.transcript, Turn{URL: full, Form: form, Response: doc})
	c.mu.Unlock()
	return doc, nil
}

// Dial places the call and answers speech gathers until the call leaves the
// dialog. It returns the first document without a speech gather.
func (c *Caller) Dial(ctx context.Context) (*twiml.Response, error) {
	form := url.Values{"CallStatus": {string(model.CallRinging)}}
	doc, err := c.Post(ctx, "/voice/inbound", form)
	if err != nil {
		return nil, err
	}
	for {
		g := SpeechGather(doc)
		if g == nil {
			return doc, nil
		}
		doc, err = c.Post(ctx, g.Action, url.Values{
			"CallStatus":   {string(model.CallInProgress)},
			"SpeechResult": {c.answer()},
			"Confidence":   {"0.92"},
		})
		if err != nil {
			return nil, err
		}
	}
}

// Hold follows the redirect of a hold document once and returns the result
func (c *Caller) Hold(ctx context.Context, doc *twiml.Response) (*twiml.Response, error) {
	for _, n := range doc.Children {
		if r, ok := n.(*twiml.Redirect); ok {
			return c.Post(ctx, r.URL, url.Values{"CallStatus": {string(model.CallInProgress)}})
		}
	}
	return nil, fmt.Errorf("call %s: document has no redirect", c.CallSID)
}

// Hangup reports the end of the call through the status callback
func (c *Caller) Hangup(ctx context.Context, duration time.Duration) error {
	_, err := c.Post(ctx, "/voice/status", url.Values{
		"CallStatus":   {string(model.CallCompleted)},
		"CallDuration": {fmt.Sprint(int(duration / time.Second))},
	})
	return err
}

// Transcript returns the exchanges so far
func (c *Caller) Transcript() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcript)
}

func (c *Caller) answer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.Answers) {
		return ""
	}
	a := c.Answers[c.next]
	c.next++
	return a
}

func (c *Caller) resolve(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid webhook URL %q: %w", target, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", c.BaseURL, err)
	}
	return base.ResolveReference(u).String(), nil
}

// SpeechGather returns the speech gather of doc, or nil
func SpeechGather(doc *twiml.Response) *twiml.Gather {
	for _, n := range doc.Children {
		if g, ok := n.(*twiml.Gather); ok && strings.Contains(g.Input, "speech") {
			return g
		}
	}
	return nil
}

// Spoken returns the text of every Say in doc, including gather prompts
func Spoken(doc *twiml.Response) []string {
	var out []string
	var walk func(nodes []twiml.Node)
	walk = func(nodes []twiml.Node) {
		for _, n := range nodes {
			switch n := n.(type) {
			case *twiml.Say:
				out = append(out, n.Text)
			case *twiml.Gather:
				walk(n.Children)
			}
		}
	}
	walk(doc.Children)
	return out
}

// Conference returns the conference doc dials into, or nil
func Conference(doc *twiml.Response) *twiml.ConferenceDial {
	for _, n := range doc.Children {
		d, ok := n.(*twiml.Dial)
		if !ok {
			continue
		}
		for _, child := range d.Children {
			if conf, ok := child.(*twiml.ConferenceDial); ok {
				return conf
			}
		}
	}
	return nil
}
