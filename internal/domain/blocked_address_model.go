package domain

import "time"

// BlockedAddress is one row of the live dataset. Rows are never updated in
// place; they only appear through a full dataset replacement.
type BlockedAddress struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// IP holds the address in Postgres inet form (e.g. 192.0.2.1).
	IP string `gorm:"type:inet;uniqueIndex;not null"`

	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now()"`
}
