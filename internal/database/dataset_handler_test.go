package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"ipsentry/internal/blocklist"
)

func TestNewDatasetStore_QuotesIdentifiers(t *testing.T) {
	store := NewDatasetStore(nil, TableNames{Live: "blocked", Staging: "blocked tmp"})

	if store.live != `"blocked"` {
		t.Fatalf("live identifier = %s", store.live)
	}
	if store.staging != `"blocked tmp"` {
		t.Fatalf("staging identifier = %s", store.staging)
	}
	if store.sequence != `"blocked_id_seq"` {
		t.Fatalf("sequence identifier = %s, want derived from live table", store.sequence)
	}
}

func TestParseAddresses(t *testing.T) {
	rows, err := parseAddresses([]string{"1.1.1.1", "2001:db8::1"})
	if err != nil {
		t.Fatalf("parseAddresses returned error: %v", err)
	}
	if len(rows) != 2 || rows[0].String() != "1.1.1.1" || rows[1].String() != "2001:db8::1" {
		t.Fatalf("unexpected rows: %v", rows)
	}

	if _, err := parseAddresses([]string{"1.1.1.1", "not-an-ip"}); !errors.Is(err, ErrMalformedAddress) {
		t.Fatalf("parseAddresses error = %v, want ErrMalformedAddress", err)
	}
}

func TestClassifyCopyError(t *testing.T) {
	dup := &pgconn.PgError{Code: uniqueViolation, Detail: "Key (ip)=(1.1.1.1) already exists."}
	if err := classifyCopyError(fmt.Errorf("copy: %w", dup)); !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("classifyCopyError(unique violation) = %v, want ErrDuplicateAddress", err)
	}

	other := errors.New("connection reset")
	err := classifyCopyError(other)
	if errors.Is(err, ErrDuplicateAddress) || !errors.Is(err, other) {
		t.Fatalf("classifyCopyError(other) = %v", err)
	}
}

// The tests below need a disposable Postgres database.
func setupDatasetTestDB(t *testing.T) (*gorm.DB, *DatasetStore) {
	t.Helper()

	dsn := os.Getenv("IPSENTRY_TEST_DSN")
	if dsn == "" {
		t.Skip("IPSENTRY_TEST_DSN not set")
	}

	suffix := time.Now().UnixNano()
	tables := TableNames{
		Live:    fmt.Sprintf("ips_test_%d", suffix),
		Staging: fmt.Sprintf("ips_test_%d_staging", suffix),
	}

	db, err := SetupDB(WithDSN(dsn), WithTables(tables))
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}

	store := NewDatasetStore(db, tables)
	t.Cleanup(func() {
		_ = db.Exec("DROP TABLE IF EXISTS " + store.staging).Error
		_ = db.Exec("DROP TABLE IF EXISTS " + store.live).Error
		_ = Close(db)
	})
	return db, store
}

type noopFlusher struct{}

func (noopFlusher) Flush(context.Context) error { return nil }

func TestDatasetStore_ReloadSwapsLiveTable(t *testing.T) {
	db, store := setupDatasetTestDB(t)
	ctx := context.Background()
	loader := blocklist.NewLoader(store, noopFlusher{}, log.New(io.Discard))

	if _, err := loader.Reload(ctx, []string{"1.1.1.1", "2.2.2.2"}); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}

	for ip, want := range map[string]bool{"1.1.1.1": true, "2.2.2.2": true, "3.3.3.3": false} {
		got, err := store.Exists(ctx, ip)
		if err != nil {
			t.Fatalf("Exists(%s): %v", ip, err)
		}
		if got != want {
			t.Fatalf("Exists(%s) = %v, want %v", ip, got, want)
		}
	}

	if n, err := store.Count(ctx); err != nil || n != 2 {
		t.Fatalf("Count = %d, %v; want 2", n, err)
	}

	if db.Migrator().HasTable(store.Tables().Staging) {
		t.Fatal("staging table left behind after reload")
	}

	// The identity sequence must survive the swap.
	if err := db.Exec(fmt.Sprintf("INSERT INTO %s (ip) VALUES ('4.4.4.4')", store.live)).Error; err != nil {
		t.Fatalf("insert after swap: %v", err)
	}
}

func TestDatasetStore_DuplicateLeavesLiveUntouched(t *testing.T) {
	_, store := setupDatasetTestDB(t)
	ctx := context.Background()
	loader := blocklist.NewLoader(store, noopFlusher{}, log.New(io.Discard))

	if _, err := loader.Reload(ctx, []string{"5.5.5.5"}); err != nil {
		t.Fatalf("initial Reload returned error: %v", err)
	}

	dups := make([]string, 10_000)
	for i := range dups {
		dups[i] = "6.6.6.6"
	}
	_, err := loader.Reload(ctx, dups)
	if !errors.Is(err, blocklist.ErrTransfer) || !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("Reload error = %v, want transfer/duplicate", err)
	}

	if ok, _ := store.Exists(ctx, "5.5.5.5"); !ok {
		t.Fatal("previous dataset lost after failed reload")
	}
	if ok, _ := store.Exists(ctx, "6.6.6.6"); ok {
		t.Fatal("failed reload leaked rows into live dataset")
	}
}

func TestDatasetStore_SwapRollbackKeepsLiveTable(t *testing.T) {
	_, store := setupDatasetTestDB(t)
	ctx := context.Background()
	loader := blocklist.NewLoader(store, noopFlusher{}, log.New(io.Discard))

	if _, err := loader.Reload(ctx, []string{"7.7.7.7"}); err != nil {
		t.Fatalf("initial Reload returned error: %v", err)
	}

	if err := store.PrepareStaging(ctx); err != nil {
		t.Fatalf("PrepareStaging: %v", err)
	}
	tx, err := store.BeginSwap(ctx)
	if err != nil {
		t.Fatalf("BeginSwap: %v", err)
	}
	if err := tx.DetachSequence(ctx); err != nil {
		t.Fatalf("DetachSequence: %v", err)
	}
	if err := tx.DropLive(ctx); err != nil {
		t.Fatalf("DropLive: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if ok, err := store.Exists(ctx, "7.7.7.7"); err != nil || !ok {
		t.Fatalf("Exists after rollback = %v, %v; want true", ok, err)
	}
}

func TestDatasetStore_FailedBestEffortStepKeepsTransactionUsable(t *testing.T) {
	db, store := setupDatasetTestDB(t)
	ctx := context.Background()

	// With the real sequence already detached, dropping the live table is safe
	// even though the misnamed detach below fails.
	if err := db.Exec(fmt.Sprintf("ALTER SEQUENCE %s OWNED BY NONE", store.sequence)).Error; err != nil {
		t.Fatalf("detach sequence: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Exec("DROP SEQUENCE IF EXISTS " + store.sequence).Error
	})

	broken := NewDatasetStore(store.db, TableNames{
		Live:     store.tables.Live,
		Staging:  store.tables.Staging,
		Sequence: "missing_sequence_for_test",
	})
	loader := blocklist.NewLoader(broken, noopFlusher{}, log.New(io.Discard))

	outcome, err := loader.Reload(ctx, []string{"8.8.8.8"})
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if len(outcome.Warnings) != 2 {
		t.Fatalf("warnings = %v, want detach and attach failures", outcome.Warnings)
	}
	if ok, _ := store.Exists(ctx, "8.8.8.8"); !ok {
		t.Fatal("swap did not complete after sequence failures")
	}
}
