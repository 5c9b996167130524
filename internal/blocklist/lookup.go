package blocklist

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
)

// Lookup answers block-status queries cache-aside: cache first, the live
// dataset on a miss, then the answer is written back. It knows nothing about
// reloads; a committed swap becomes visible once the loader's flush lands.
type Lookup struct {
	store  AddressChecker
	cache  StatusCache
	logger *log.Logger
}

func NewLookup(store AddressChecker, cache StatusCache, logger *log.Logger) *Lookup {
	if logger == nil {
		logger = log.Default()
	}
	return &Lookup{
		store:  store,
		cache:  cache,
		logger: logger.WithPrefix("lookup"),
	}
}

// IsBlocked reports whether ip is in the live dataset. Cache failures only
// make the call slower; an error is returned only when the store itself fails.
// ip is expected to be validated by the caller.
func (s *Lookup) IsBlocked(ctx context.Context, ip string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	blocked, found, err := s.cache.Get(ctx, ip)
	switch {
	case err != nil:
		s.logger.Warn("Status cache read failed, using store", "ip", ip, "error", fmt.Errorf("%w: %w", ErrCacheUnavailable, err))
	case found:
		return blocked, nil
	}

	blocked, err = s.store.Exists(ctx, ip)
	if err != nil {
		return false, fmt.Errorf("blocklist: lookup %s: %w", ip, err)
	}

	if err := s.cache.Set(ctx, ip, blocked); err != nil {
		s.logger.Warn("Status cache write failed", "ip", ip, "error", fmt.Errorf("%w: %w", ErrCacheUnavailable, err))
	}

	return blocked, nil
}
