// Package repository defines the store collaborator boundary for queue
// items and log entries. Implementations live in the postgres subpackage;
// tests use mocks.
package repository

import (
	"context"
	"database/sql"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// QueueRepository persists queue items.
type QueueRepository interface {
	// Save enqueues an item for the given origin. It fills priority and
	// time defaults and is idempotent per (imsi, hash): when the pair
	// already exists it returns (nil, nil).
	Save(ctx context.Context, imsi string, item *domain.QueueItem) (*domain.QueueItem, error)

	// FetchTerminalQueue returns the pending outbound items of one
	// terminal: unprocessed CALL/SMS/USSD plus failed SMS with fewer than
	// maxRetry attempts, ordered priority ASC, processed ASC, time ASC.
	FetchTerminalQueue(ctx context.Context, imsi string, maxRetry int) ([]*domain.QueueItem, error)

	// FetchActivityQueue returns unprocessed inbound items (RING, INBOX,
	// CUSD) ordered priority ASC, time ASC.
	FetchActivityQueue(ctx context.Context) ([]*domain.QueueItem, error)

	// UpdateProcessed marks an item processed, optionally setting status
	// and retry when the corresponding values are valid.
	UpdateProcessed(ctx context.Context, id int64, status, retry sql.NullInt32) error

	// UpdateStatus sets only the status column.
	UpdateStatus(ctx context.Context, id int64, status int) error

	// ResetRetry reopens a processed item for another delivery attempt:
	// processed=false, retry=NULL.
	ResetRetry(ctx context.Context, id int64) error

	CountByHash(ctx context.Context, hash string, t domain.ActivityType) (int, error)
	FindByHash(ctx context.Context, hash string, t domain.ActivityType) (*domain.QueueItem, error)

	// CountRecents and Recents expose the latest queue row per address
	// over SMS and INBOX items, newest first.
	CountRecents(ctx context.Context) (int, error)
	Recents(ctx context.Context, offset, limit int) ([]*domain.QueueItem, error)
}

// LogRepository persists processing outcomes and delivery reports.
type LogRepository interface {
	// Save records the outcome of a processed item, once per
	// (imsi, hash, type); duplicates are ignored.
	Save(ctx context.Context, imsi string, item *domain.QueueItem) error

	// UpdateReport applies an SMS delivery report to the matching log
	// entry when exactly one exists.
	UpdateReport(ctx context.Context, imsi string, report *domain.DeliveryReport) error

	Find(ctx context.Context, hash string, t domain.ActivityType) (*domain.LogEntry, error)
}
