package blocklist

import "context"

// DatasetStore is the persistent side of a reload. A relational implementation
// clones the live table into a staging table and renames it into place; any
// other implementation only has to honour the same phase boundaries.
type DatasetStore interface {
	// PrepareStaging discards any leftover staging dataset and creates an
	// empty one with the live dataset's structure, constraints and indexes.
	PrepareStaging(ctx context.Context) error

	// CopyToStaging bulk-transfers addresses into the staging dataset in a
	// single round trip and reports the number of rows written.
	CopyToStaging(ctx context.Context, addresses []string) (int64, error)

	// BeginSwap opens the transaction that promotes staging to live.
	BeginSwap(ctx context.Context) (SwapTx, error)

	// DropStaging removes the staging dataset if it exists.
	DropStaging(ctx context.Context) error
}

// SwapTx is a single store transaction. Nothing it does becomes visible to
// readers before Commit returns successfully.
type SwapTx interface {
	DetachSequence(ctx context.Context) error
	DropLive(ctx context.Context) error
	PromoteStaging(ctx context.Context) error
	AttachSequence(ctx context.Context) error
	Commit() error
	Rollback() error
}

// AddressChecker answers membership questions against the live dataset.
type AddressChecker interface {
	Exists(ctx context.Context, ip string) (bool, error)
}

// StatusCache stores the last observed block status per address. A miss
// (found == false) means unknown, never "not blocked".
type StatusCache interface {
	Get(ctx context.Context, ip string) (blocked bool, found bool, err error)
	Set(ctx context.Context, ip string, blocked bool) error
}

// CacheFlusher discards every cached status at once.
type CacheFlusher interface {
	Flush(ctx context.Context) error
}
