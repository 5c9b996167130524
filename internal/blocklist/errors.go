package blocklist

import "errors"

// Reload failures. These are returned to the caller wrapped around the cause,
// and the previously live dataset is still in place when any of them occurs.
var (
	ErrStaging  = errors.New("blocklist: prepare staging dataset")
	ErrTransfer = errors.New("blocklist: transfer into staging dataset")
	ErrSwap     = errors.New("blocklist: swap staging dataset into place")
)

// Non-fatal outcomes. They are logged at warn level and collected on the
// ReloadOutcome or, for lookups, swallowed.
var (
	ErrSequence         = errors.New("blocklist: identity sequence ownership")
	ErrInvalidation     = errors.New("blocklist: flush status cache")
	ErrCleanup          = errors.New("blocklist: drop leftover staging dataset")
	ErrCacheUnavailable = errors.New("blocklist: status cache unavailable")
)

// IsReloadFailure reports whether err is one of the failures Reload propagates.
func IsReloadFailure(err error) bool {
	return errors.Is(err, ErrStaging) || errors.Is(err, ErrTransfer) || errors.Is(err, ErrSwap)
}
