// Package domain holds the gateway's core data model: queue items carrying
// outbound work and inbound events, post-processing log entries, and the
// per-terminal policy options.
package domain

import (
	"database/sql"
	"time"
)

// ActivityType identifies what a queue item represents. CALL, SMS and USSD
// are outbound work executed by a terminal; RING, INBOX and CUSD are inbound
// events reported by one.
type ActivityType int

const (
	ActivityCall  ActivityType = 1
	ActivityRing  ActivityType = 2
	ActivitySMS   ActivityType = 3
	ActivityInbox ActivityType = 4
	ActivityUSSD  ActivityType = 5
	ActivityCUSD  ActivityType = 6
)

func (t ActivityType) String() string {
	switch t {
	case ActivityCall:
		return "call"
	case ActivityRing:
		return "ring"
	case ActivitySMS:
		return "sms"
	case ActivityInbox:
		return "inbox"
	case ActivityUSSD:
		return "ussd"
	case ActivityCUSD:
		return "cusd"
	default:
		return "unknown"
	}
}

// Queue priorities; lower sorts first.
const (
	PriorityAbove  = 10
	PriorityNormal = 20
	PriorityBelow  = 50
)

// Default processing statuses.
const (
	StatusFail    = 0
	StatusSuccess = 1
)

// QueueItem is one unit of outbound work or one inbound event. Items are
// unique per (imsi, hash); enqueueing an existing pair is a no-op.
type QueueItem struct {
	ID        int64
	Hash      string
	IMSI      string
	Type      ActivityType
	Address   string
	Data      sql.NullString
	Priority  int
	Processed bool
	Status    int
	Retry     sql.NullInt32
	Time      time.Time

	// Veto is set by a plugin during activity fan-out to signal other
	// observers that the item has been handled. It is informational only
	// and never persisted.
	Veto bool
}

// Payload returns the data field or the empty string.
func (q *QueueItem) Payload() string {
	if q.Data.Valid {
		return q.Data.String
	}
	return ""
}

// Reply is a terminal's answer to a command round-trip.
type Reply struct {
	Success bool   `json:"success"`
	Hash    string `json:"hash,omitempty"`
	Status  int    `json:"status,omitempty"`
}
