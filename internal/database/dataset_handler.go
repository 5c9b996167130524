package database

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/gorm"

	"ipsentry/internal/blocklist"
	"ipsentry/internal/domain"
)

const uniqueViolation = "23505"

var (
	ErrDuplicateAddress = errors.New("database: duplicate address in dataset")
	ErrMalformedAddress = errors.New("database: malformed address")
)

// TableNames identifies the objects a reload touches.
type TableNames struct {
	Live     string
	Staging  string
	Sequence string
}

func DefaultTableNames() TableNames {
	return TableNames{
		Live:     "ips",
		Staging:  "ips_staging",
		Sequence: "ips_id_seq",
	}
}

func (t TableNames) withDefaults() TableNames {
	def := DefaultTableNames()
	if t.Live == "" {
		t.Live = def.Live
	}
	if t.Staging == "" {
		t.Staging = def.Staging
	}
	if t.Sequence == "" {
		t.Sequence = t.Live + "_id_seq"
	}
	return t
}

// EnsureDatasetSchema creates the live table if it does not exist yet.
func EnsureDatasetSchema(db *gorm.DB, tables TableNames) error {
	if db == nil {
		return fmt.Errorf("nil database connection")
	}
	tables = tables.withDefaults()

	if db.Migrator().HasTable(tables.Live) {
		return nil
	}
	return db.Table(tables.Live).Migrator().CreateTable(&domain.BlockedAddress{})
}

// DatasetStore is the Postgres implementation of the reload and lookup store.
// The swap is a LIKE-clone of the live table, filled with COPY, then renamed
// into place inside one transaction.
type DatasetStore struct {
	db     *gorm.DB
	tables TableNames

	live     string
	staging  string
	sequence string
}

var (
	_ blocklist.DatasetStore   = (*DatasetStore)(nil)
	_ blocklist.AddressChecker = (*DatasetStore)(nil)
)

func NewDatasetStore(db *gorm.DB, tables TableNames) *DatasetStore {
	tables = tables.withDefaults()
	return &DatasetStore{
		db:       db,
		tables:   tables,
		live:     pgx.Identifier{tables.Live}.Sanitize(),
		staging:  pgx.Identifier{tables.Staging}.Sanitize(),
		sequence: pgx.Identifier{tables.Sequence}.Sanitize(),
	}
}

func (s *DatasetStore) Tables() TableNames {
	return s.tables
}

func (s *DatasetStore) PrepareStaging(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.Exec("DROP TABLE IF EXISTS " + s.staging).Error; err != nil {
		return fmt.Errorf("drop staging table: %w", err)
	}
	if err := db.Exec(fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", s.staging, s.live)).Error; err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}
	return nil
}

// CopyToStaging streams addresses with the COPY protocol on a dedicated
// connection, which is returned to the pool before this method returns.
func (s *DatasetStore) CopyToStaging(ctx context.Context, addresses []string) (int64, error) {
	rows, err := parseAddresses(addresses)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return 0, fmt.Errorf("get sql.DB: %w", err)
	}

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire copy connection: %w", err)
	}
	defer conn.Close()

	var copied int64
	err = conn.Raw(func(driverConn any) error {
		stdConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		n, copyErr := stdConn.Conn().CopyFrom(
			ctx,
			pgx.Identifier{s.tables.Staging},
			[]string{"ip"},
			pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
				return []any{rows[i]}, nil
			}),
		)
		copied = n
		return copyErr
	})
	if err != nil {
		return 0, classifyCopyError(err)
	}
	return copied, nil
}

func (s *DatasetStore) BeginSwap(ctx context.Context) (blocklist.SwapTx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &datasetSwap{tx: tx, store: s}, nil
}

func (s *DatasetStore) DropStaging(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("DROP TABLE IF EXISTS " + s.staging).Error
}

func (s *DatasetStore) Exists(ctx context.Context, ip string) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE ip = CAST(? AS inet))", s.live)
	if err := s.db.WithContext(ctx).Raw(query, ip).Scan(&exists).Error; err != nil {
		return false, err
	}
	return exists, nil
}

// Count returns the number of rows in the live dataset.
func (s *DatasetStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Table(s.tables.Live).
		Model(&domain.BlockedAddress{}).
		Count(&n).Error
	return n, err
}

type datasetSwap struct {
	tx    *gorm.DB
	store *DatasetStore
}

func (t *datasetSwap) DetachSequence(ctx context.Context) error {
	return t.bestEffort(ctx, "detach_sequence",
		fmt.Sprintf("ALTER SEQUENCE %s OWNED BY NONE", t.store.sequence))
}

func (t *datasetSwap) DropLive(ctx context.Context) error {
	return t.tx.WithContext(ctx).Exec("DROP TABLE " + t.store.live).Error
}

func (t *datasetSwap) PromoteStaging(ctx context.Context) error {
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", t.store.staging, pgx.Identifier{t.store.tables.Live}.Sanitize())
	return t.tx.WithContext(ctx).Exec(stmt).Error
}

func (t *datasetSwap) AttachSequence(ctx context.Context) error {
	return t.bestEffort(ctx, "attach_sequence",
		fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s", t.store.sequence, pgx.Identifier{t.store.tables.Live, "id"}.Sanitize()))
}

func (t *datasetSwap) Commit() error {
	return t.tx.Commit().Error
}

func (t *datasetSwap) Rollback() error {
	return t.tx.Rollback().Error
}

// bestEffort runs stmt under a savepoint so a failure leaves the surrounding
// transaction usable.
func (t *datasetSwap) bestEffort(ctx context.Context, savepoint, stmt string) error {
	tx := t.tx.WithContext(ctx)
	if err := tx.SavePoint(savepoint).Error; err != nil {
		return fmt.Errorf("savepoint %s: %w", savepoint, err)
	}
	if err := tx.Exec(stmt).Error; err != nil {
		if rbErr := tx.RollbackTo(savepoint).Error; rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to %s: %w", savepoint, rbErr))
		}
		return err
	}
	return nil
}

func parseAddresses(addresses []string) ([]netip.Addr, error) {
	rows := make([]netip.Addr, 0, len(addresses))
	for i, raw := range addresses {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d %q", ErrMalformedAddress, i, raw)
		}
		rows = append(rows, addr)
	}
	return rows, nil
}

func classifyCopyError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s: %w", ErrDuplicateAddress, pgErr.Detail, err)
	}
	return fmt.Errorf("copy into staging table: %w", err)
}
