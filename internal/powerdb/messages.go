package powerdb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the sessions table: one row per
// measurement run.
type SessionMessage struct {
	ID        string // ULID shared with the report publisher
	Hostname  string
	Version   string
	ELFPath   string
	Expected  int
	Completed int
	Anomalies int
	Outcome   string
	Start     time.Time
	End       time.Time
}

// ReportMessage is the information required to make an entry in the reports
// table: one row per completed test interval.
type ReportMessage struct {
	ID            string // ULID of the row
	SessionID     string
	TestIndex     int
	SampleCount   int
	MeanMicroAmps float64
	Degenerate    bool
	FirstSample   int64
	LastSample    int64
}
