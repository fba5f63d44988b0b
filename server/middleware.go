// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/client"
)

const (
	headerRequestID       = "X-Request-Id"
	headerTwilioSignature = "X-Twilio-Signature"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack supports protocol upgrades for the event stream
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// withRequestLogging tags every request with an id and a request-scoped
// logger, and logs its outcome.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		l := s.logger.With().Str("request_id", id).Logger()
		r = r.WithContext(l.WithContext(r.Context()))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if v := recover(); v != nil {
				l.Error().Interface("panic", v).Str("path", r.URL.Path).Msg("Handler panicked")
				http.Error(rec, "internal error", http.StatusInternalServerError)
			}
			ev := l.Info()
			if strings.HasPrefix(r.URL.Path, "/metrics") || r.URL.Path == "/healthz" {
				ev = l.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		}()
		next.ServeHTTP(rec, r)
	})
}

// verifySignature rejects webhooks not signed by Twilio. It is a no-op
// without an auth token.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	if s.opts.AuthToken == "" {
		return next
	}
	validator := client.NewRequestValidator(s.opts.AuthToken)
	base := strings.TrimSuffix(s.opts.PublicBaseURL, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			s.badRequest(w, r, err)
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !validator.Validate(base+r.URL.RequestURI(), params, r.Header.Get(headerTwilioSignature)) {
			zerolog.Ctx(r.Context()).Warn().Str("path", r.URL.Path).Msg("Invalid Twilio signature")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
