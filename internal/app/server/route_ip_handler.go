package server

import (
	"net/http"
	"net/netip"

	"ipsentry/internal/api/dto"
)

func (s *Server) getIPStatus(w http.ResponseWriter, r *http.Request) {
	query := dto.IPQuery{IP: r.PathValue("ip")}
	if err := s.validate.Struct(query); err != nil {
		writeError(w, "Invalid IP address", http.StatusBadRequest)
		return
	}

	// Canonical form keeps one cache entry per address.
	addr, err := netip.ParseAddr(query.IP)
	if err != nil {
		writeError(w, "Invalid IP address", http.StatusBadRequest)
		return
	}
	ip := addr.String()

	blocked, err := s.opts.Lookup.IsBlocked(r.Context(), ip)
	if err != nil {
		s.logger.Error("Block status lookup failed", "ip", ip, "error", err)
		writeError(w, "Block status unavailable", http.StatusServiceUnavailable)
		return
	}

	status := dto.IPStatus{IP: ip, Blocked: blocked}
	if s.opts.Countries != nil {
		if country, ok := s.opts.Countries.Country(ip); ok {
			status.Country = country
		}
	}

	writeJSON(w, http.StatusOK, status)
}
