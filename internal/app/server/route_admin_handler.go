package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"ipsentry/internal/api/dto"
	"ipsentry/internal/auth"
)

const (
	defaultTokenSubject = "api-client"
	// ingestTimeout bounds the wait for the reload lock plus the reload.
	ingestTimeout = 30 * time.Minute
)

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req dto.TokenRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "Invalid request", http.StatusBadRequest)
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, "Invalid subject", http.StatusBadRequest)
		return
	}

	subject := req.Subject
	if subject == "" {
		subject = defaultTokenSubject
	}

	token, err := auth.IssueToken(s.opts.JWTSecret, subject, s.opts.TokenTTL)
	if err != nil {
		s.logger.Error("Failed to issue token", "error", err)
		writeError(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Issued API token", "subject", subject, "ttl", s.opts.TokenTTL)
	writeJSON(w, http.StatusOK, dto.Token{Token: token})
}

// ingest runs a fetch+reload under the reload lock, waiting for a reload in
// progress on any instance. The run is detached from the request so a
// disconnecting client does not roll back a run other triggers may share.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), ingestTimeout)
	defer cancel()

	result, err := s.opts.Ingester.RunOnce(ctx, "admin")
	if err != nil {
		s.logger.Error("Manual ingest failed", "error", err)
		writeJSON(w, http.StatusOK, dto.IngestResult{Success: false, Error: err.Error()})
		return
	}

	resp := dto.IngestResult{Success: true, TotalIPs: result.Fetched}
	if result.Outcome != nil {
		resp.Loaded = result.Outcome.Loaded
		resp.Warnings = len(result.Outcome.Warnings)
	}
	writeJSON(w, http.StatusOK, resp)
}
