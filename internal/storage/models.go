package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// PollSample summarises one poll tick of a differential poller.
type PollSample struct {
	Poller    string
	TakenAt   time.Time
	Cursor    string
	RowCount  int
	Latest    *decimal.Decimal
	Max       *decimal.Decimal
	Mean      *decimal.Decimal
	Violated  bool
	Status    string
	Error     *string
	CreatedAt time.Time
}

// AlertRecord captures a threshold violation for auditing.
type AlertRecord struct {
	ID          int64
	Poller      string
	TriggeredAt time.Time
	Rule        string
	Violations  []string
	RowCount    int
	Channels    []string
	Delivered   bool
	Suppressed  bool
	Error       *string
	CreatedAt   time.Time
}

// CursorCheckpoint is the persisted position of a poller.
type CursorCheckpoint struct {
	Poller    string
	Kind      string
	Value     string
	UpdatedAt time.Time
}
