package powertest

import (
	"os"
	"time"

	"github.com/hdoordt/powertest/internal/powerdb"
)

// DBSink records reports and the session row in ClickHouse via powerdb. The
// session row is written up front (blocking, so report rows always have a
// parent) and finalized with the terminal outcome.
type DBSink struct {
	db      *powerdb.Connection
	session *powerdb.SessionMessage
}

// NewDBSink registers a new session with the database.
func NewDBSink(db *powerdb.Connection, sessionID, elfPath string, expected int) *DBSink {
	hostname, _ := os.Hostname()
	session := &powerdb.SessionMessage{
		ID:       sessionID,
		Hostname: hostname,
		Version:  Build.Version,
		ELFPath:  elfPath,
		Expected: expected,
		Start:    time.Now(),
	}
	db.RecordSession(session)
	return &DBSink{db: db, session: session}
}

// PublishReport stores one report row.
func (s *DBSink) PublishReport(r TestReport) error {
	s.db.RecordReport(&powerdb.ReportMessage{
		SessionID:     s.session.ID,
		TestIndex:     r.Index,
		SampleCount:   r.SampleCount,
		MeanMicroAmps: r.MeanMicroAmps,
		Degenerate:    r.Degenerate,
		FirstSample:   int64(r.StartSeq),
		LastSample:    int64(r.EndSeq),
	})
	return nil
}

// PublishStatus finalizes the session row.
func (s *DBSink) PublishStatus(st SessionStatus) error {
	s.session.Completed = st.Completed
	s.session.Anomalies = st.Anomalies
	s.session.Outcome = st.Outcome
	s.db.FinishSession(s.session)
	return nil
}
