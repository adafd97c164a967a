package domain

import (
	"database/sql"
	"time"
)

// LogEntry records the outcome of a processed CALL, SMS or USSD item, one
// per (imsi, hash, type). For SMS the delivery report fields are filled in
// exactly once when the report arrives.
type LogEntry struct {
	ID       int64
	IMSI     string
	Hash     string
	Type     ActivityType
	Address  string
	Data     sql.NullString
	Status   int
	Time     time.Time
	Code     sql.NullInt32
	Sent     sql.NullTime
	Received sql.NullTime
}

// DeliveryReport is the later-arriving SMS delivery confirmation.
type DeliveryReport struct {
	IMSI     string       `json:"imsi"`
	Hash     string       `json:"hash"`
	Address  string       `json:"address,omitempty"`
	Code     int          `json:"code"`
	Sent     sql.NullTime `json:"sent"`
	Received sql.NullTime `json:"received"`
}
