package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"ipsentry/internal/api/dto"
)

const healthTimeout = 3 * time.Second

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := dto.Health{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := s.opts.Checks[name](ctx); err != nil {
			s.logger.Warn("Health check failed", "check", name, "error", err)
			resp.Checks[name] = "down"
			resp.Status = "error"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "up"
	}

	if s.opts.Instances != nil {
		if n, err := s.opts.Instances(ctx); err == nil {
			resp.Instances = n
		}
	}

	writeJSON(w, status, resp)
}
