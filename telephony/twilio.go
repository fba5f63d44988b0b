// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package telephony connects the engine to the voice provider
package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/model"
	"github.com/sprucehealth/voicerouter/twiml"
)

const ErrorCodeResourceNotFound = 20404

// agentLegEvents are the status callbacks requested for agent legs
var agentLegEvents = []string{"initiated", "ringing", "answered", "completed"}

// CallsAPI is the subset of the Twilio REST API used to control calls.
// *twilioopenapi.ApiService satisfies it.
type CallsAPI interface {
	CreateCall(params *twilioopenapi.CreateCallParams) (*twilioopenapi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioopenapi.UpdateCallParams) (*twilioopenapi.ApiV2010Call, error)
	FetchCall(sid string, params *twilioopenapi.FetchCallParams) (*twilioopenapi.ApiV2010Call, error)
}

var _ CallsAPI = (*twilioopenapi.ApiService)(nil)

// NewCallsAPI creates a Twilio REST client for an account
func NewCallsAPI(accountSID, authToken string) CallsAPI {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	}).Api
}

// TwilioDispatcher implements engine.Dispatcher over the Twilio REST API
type TwilioDispatcher struct {
	api      CallsAPI
	from     string
	renderer *twiml.Renderer
	logger   zerolog.Logger
	backoff  func() backoff.BackOff
}

var _ engine.Dispatcher = (*TwilioDispatcher)(nil)

// Option configures a TwilioDispatcher
type Option func(*TwilioDispatcher)

// WithLogger sets the dispatcher logger
func WithLogger(l zerolog.Logger) Option {
	return func(d *TwilioDispatcher) {
		d.logger = l
	}
}

// WithBackOff replaces the retry policy for provider requests
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(d *TwilioDispatcher) {
		d.backoff = fn
	}
}

// NewTwilioDispatcher creates a dispatcher placing calls from the given
// number. Pushed directives are rendered with renderer.
func NewTwilioDispatcher(api CallsAPI, from string, renderer *twiml.Renderer, opts ...Option) *TwilioDispatcher {
	d := &TwilioDispatcher{
		api:      api,
		from:     from,
		renderer: renderer,
		logger:   zerolog.Nop(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 8 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RingAgent places the outbound call to the agent
func (d *TwilioDispatcher) RingAgent(ctx context.Context, req engine.RingRequest) (model.SID, error) {
	answerURL, err := d.renderer.Links.URL(req.Answer)
	if err != nil {
		return "", err
	}
	params := &twilioopenapi.CreateCallParams{}
	params.SetTo(req.Agent.ContactAddress)
	params.SetFrom(d.from)
	params.SetUrl(answerURL)
	params.SetMethod(http.MethodPost)
	if req.Timeout > 0 {
		params.SetTimeout(int(req.Timeout / time.Second))
	}
	if !req.Status.IsZero() {
		statusURL, err := d.renderer.Links.URL(req.Status)
		if err != nil {
			return "", err
		}
		params.SetStatusCallback(statusURL)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent(agentLegEvents)
	}

	var call *twilioopenapi.ApiV2010Call
	err = d.retry(ctx, "create_call", rateLimited, func() error {
		var err error
		call, err = d.api.CreateCall(params)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ring agent %s: %w", req.Agent.ID, err)
	}
	if call == nil || call.Sid == nil {
		return "", fmt.Errorf("ring agent %s: provider returned no call sid", req.Agent.ID)
	}

	d.logger.Debug().
		Str("call_sid", req.CallID.String()).
		Str("agent_id", req.Agent.ID).
		Str("leg_sid", *call.Sid).
		Msg("Agent leg created")
	return model.SID(*call.Sid), nil
}

// UpdateCall replaces the TwiML of a live call
func (d *TwilioDispatcher) UpdateCall(ctx context.Context, callSID model.SID, resp engine.Response) error {
	doc, err := d.renderer.Render(resp)
	if err != nil {
		return err
	}
	params := &twilioopenapi.UpdateCallParams{}
	params.SetTwiml(doc)
	return d.update(ctx, callSID, params)
}

// HangupCall completes a call. A call that no longer exists is already hung up.
func (d *TwilioDispatcher) HangupCall(ctx context.Context, callSID model.SID) error {
	params := &twilioopenapi.UpdateCallParams{}
	params.SetStatus(string(model.CallCompleted))
	err := d.update(ctx, callSID, params)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (d *TwilioDispatcher) update(ctx context.Context, callSID model.SID, params *twilioopenapi.UpdateCallParams) error {
	err := d.retry(ctx, "update_call", retryable, func() error {
		_, err := d.api.UpdateCall(callSID.String(), params)
		return err
	})
	if err != nil {
		return fmt.Errorf("update call %s: %w", callSID, err)
	}
	return nil
}

// FetchCallStatus returns the provider's status for a call. A call unknown
// to the provider is reported as completed.
func (d *TwilioDispatcher) FetchCallStatus(ctx context.Context, callSID model.SID) (model.CallStatus, error) {
	var call *twilioopenapi.ApiV2010Call
	err := d.retry(ctx, "fetch_call", retryable, func() error {
		var err error
		call, err = d.api.FetchCall(callSID.String(), &twilioopenapi.FetchCallParams{})
		return err
	})
	if IsNotFound(err) {
		return model.CallCompleted, nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch call %s: %w", callSID, err)
	}
	if call == nil || call.Status == nil {
		return "", fmt.Errorf("fetch call %s: provider returned no status", callSID)
	}
	return model.CallStatus(*call.Status), nil
}

// retry runs op until it succeeds, fails permanently or ctx is done. Errors
// for which transient returns false are permanent.
func (d *TwilioDispatcher) retry(ctx context.Context, operation string, transient func(error) bool, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(d.backoff(), ctx), func(err error, wait time.Duration) {
		d.logger.Warn().Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Provider request failed, retrying")
	})
}

// retryable reports whether a provider error is worth retrying. Client
// errors other than rate limiting are permanent.
func retryable(err error) bool {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status == http.StatusTooManyRequests || restErr.Status >= http.StatusInternalServerError
	}
	return true
}

// rateLimited reports whether the provider refused a request before acting
// on it. Creating a call is not idempotent, so a timeout or 5xx may already
// have placed it and only a 429 is safe to resend.
func rateLimited(err error) bool {
	var restErr *client.TwilioRestError
	return errors.As(err, &restErr) && restErr.Status == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a provider "resource not found" error
func IsNotFound(err error) bool {
	var restErr *client.TwilioRestError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Code == ErrorCodeResourceNotFound || restErr.Status == http.StatusNotFound
}
