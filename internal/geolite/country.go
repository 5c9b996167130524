package geolite

import (
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
)

// CountryResolver maps addresses to ISO country codes using a GeoLite2
// Country database. A nil resolver, or one opened without a path, resolves
// nothing.
type CountryResolver struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	logger *log.Logger
}

// OpenCountryResolver opens path. An empty path yields a disabled resolver.
func OpenCountryResolver(path string, logger *log.Logger) (*CountryResolver, error) {
	if logger == nil {
		logger = log.Default()
	}
	r := &CountryResolver{logger: logger.WithPrefix("geolite")}
	if path == "" {
		r.logger.Info("GeoLite country lookup disabled")
		return r, nil
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geolite database %q: %w", path, err)
	}
	r.reader = reader

	meta := reader.Metadata()
	r.logger.Info("GeoLite country database loaded", "path", path, "type", meta.DatabaseType, "build_epoch", meta.BuildEpoch)
	return r, nil
}

func (r *CountryResolver) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reader != nil
}

// Country returns the ISO code for ip, or false when unknown.
func (r *CountryResolver) Country(ip string) (string, bool) {
	if r == nil {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.reader == nil {
		return "", false
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}

	record, err := r.reader.Country(parsed)
	if err != nil {
		r.logger.Debug("Country lookup failed", "ip", ip, "error", err)
		return "", false
	}
	if record.Country.IsoCode == "" {
		return "", false
	}
	return record.Country.IsoCode, true
}

func (r *CountryResolver) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
