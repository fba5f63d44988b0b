// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprucehealth/voicerouter/engine"
	"github.com/sprucehealth/voicerouter/model"
	"github.com/sprucehealth/voicerouter/twiml"
)

// declineDigit is the key an agent presses to decline an offered call
const declineDigit = "*"

var errMissingCallSID = errors.New("missing CallSid")

func (s *Server) routeVoice(mux *http.ServeMux) {
	handlers := map[engine.Entrypoint]http.HandlerFunc{
		engine.EntryInbound:          s.handleInbound,
		engine.EntrySpeech:           s.handleSpeech,
		engine.EntryHold:             s.handleHold,
		engine.EntryAgentAnswer:      s.handleAgentAnswer,
		engine.EntryAgentDecision:    s.handleAgentDecision,
		engine.EntryAgentStatus:      s.handleAgentStatus,
		engine.EntryConferenceStatus: s.handleConferenceStatus,
		engine.EntryComplete:         s.handleComplete,
		engine.EntryStatus:           s.handleStatus,
	}
	for entry, h := range handlers {
		path, ok := twiml.Path(entry)
		if !ok {
			panic(fmt.Sprintf("no path for entrypoint %q", entry))
		}
		mux.Handle("POST "+path, s.verifySignature(h))
	}
}

// form parses a Twilio webhook body and returns its CallSid
func form(r *http.Request) (model.SID, error) {
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("parse form: %w", err)
	}
	sid := r.PostForm.Get("CallSid")
	if sid == "" {
		return "", errMissingCallSID
	}
	return model.SID(sid), nil
}

func agentLeg(r *http.Request, legSID model.SID) (engine.AgentLeg, error) {
	q := r.URL.Query()
	leg := engine.AgentLeg{
		CallID:  model.SID(q.Get(engine.ParamCall)),
		AgentID: q.Get(engine.ParamAgent),
		OfferID: q.Get(engine.ParamOffer),
		LegID:   legSID,
	}
	if leg.CallID == "" || leg.AgentID == "" || leg.OfferID == "" {
		return engine.AgentLeg{}, errors.New("missing call, agent or offer parameter")
	}
	return leg, nil
}

// parseDuration reads a provider duration in whole seconds
func parseDuration(v string) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected webhook")
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) writeTwiML(w http.ResponseWriter, r *http.Request, resp engine.Response) {
	doc, err := s.renderer.Render(resp)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Failed to render TwiML")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	sid, err := form(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	s.writeTwiML(w, r, s.engine.OnInboundCall(r.Context(), engine.InboundCall{
		CallID: sid,
		From:   r.PostForm.Get("From"),
		To:     r.PostForm.Get("To"),
	}))
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	sid, err := form(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	s.writeTwiML(w, r, s.engine.OnSpeech(r.Context(), sid, r.PostForm.Get("SpeechResult")))
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	sid, err := form(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	s.writeTwiML(w, r, s.engine.OnHold(r.Context(), sid))
}

func (s *Server) handleAgentAnswer(w http.ResponseWriter, r *http.Request) {
	sid, err := form(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	leg, err := agentLeg(r, sid)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	s.writeTwiML(w, r, s.engine.OnAgentAnswer(r.Context(), leg))
}

func (s *Server) handleAgentDecision(w http.ResponseWriter, r *http.Request) {
	sid, err := form(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	leg, err := agentLeg(r, sid)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	digits := r.PostForm.Get("Digits")
	s.writeTwiML(w, r, s.engine.OnAgentDecision(r.Context(), engine.AgentDecision{
		AgentLeg: leg,
		Accepted: digits != "" && digits != declineDigit,
		TimedOut: digits == "",
	}))
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	sid, err := form(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	leg, err := agentLeg(r, sid)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	s.engine.OnAgentLegStatus(r.Context(), leg, model.CallStatus(r.PostForm.Get("CallStatus")))
	s.writeTwiML(w, r, engine.Response{})
}

func (s *Server) handleConferenceStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.badRequest(w, r, err)
		return
	}
	callID := model.SID(r.URL.Query().Get(engine.ParamCall))
	if callID == "" {
		s.badRequest(w, r, errors.New("missing call parameter"))
		return
	}
	s.engine.OnBridgeStatus(r.Context(), engine.BridgeEvent{
		CallID: callID,
		LegID:  model.SID(r.PostForm.Get("CallSid")),
		Event:  r.PostForm.Get("StatusCallbackEvent"),
	})
	s.writeTwiML(w, r, engine.Response{})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	sid, err := form(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	status := r.PostForm.Get("DialCallStatus")
	if status == "" {
		status = r.PostForm.Get("CallStatus")
	}
	s.writeTwiML(w, r, s.engine.OnCompletion(r.Context(), engine.Completion{
		CallID:   sid,
		Status:   model.CallStatus(status),
		Duration: parseDuration(r.PostForm.Get("DialCallDuration")),
		OfferID:  r.URL.Query().Get(engine.ParamOffer),
	}))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sid, err := form(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	status := model.CallStatus(r.PostForm.Get("CallStatus"))
	if !status.IsTerminal() {
		s.writeTwiML(w, r, engine.Response{})
		return
	}
	s.writeTwiML(w, r, s.engine.OnCompletion(r.Context(), engine.Completion{
		CallID:   sid,
		Status:   status,
		Duration: parseDuration(r.PostForm.Get("CallDuration")),
	}))
}
