// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/sprucehealth/voicerouter/model"
	"github.com/sprucehealth/voicerouter/registry"
)

// TokenIssuer is the issuer of admin bearer tokens
const TokenIssuer = "voicerouter"

// IssueToken mints an HS256 admin token for subject valid for ttl
func IssueToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("admin secret is empty")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an admin token and returns its subject
func ParseToken(secret, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}

// requireToken accepts a bearer token in the Authorization header, or in the
// token query parameter for websocket clients that cannot set headers.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("token")
		}
		subject, err := ParseToken(s.opts.AdminSecret, token)
		if token == "" || err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("Unauthorized admin request")
			w.Header().Set("WWW-Authenticate", `Bearer realm="voicerouter"`)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		l := zerolog.Ctx(r.Context()).With().Str("admin", subject).Logger()
		next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]model.Agent{"agents": s.agents.List()})
}

type availabilityRequest struct {
	Availability string `json:"availability"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req availabilityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	av, err := model.ParseAvailability(req.Availability)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := s.agents.SetAvailability(id, av)
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, registry.ErrInvalidAvailability):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("agent_id", id).Msg("Failed to set availability")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("agent_id", id).
		Str("requested", string(av)).
		Str("availability", string(agent.Availability)).
		Msg("Agent availability changed")
	writeJSON(w, http.StatusOK, agent)
}
