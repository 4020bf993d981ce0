package powerdb

import (
	"context"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// stubConn records queries instead of talking to a server. Only the methods
// the message handlers use are implemented; the rest would panic if reached.
type stubConn struct {
	clickhouse.Conn
	inserts []string
}

func (c *stubConn) AsyncInsert(_ context.Context, query string, _ bool, _ ...any) error {
	c.inserts = append(c.inserts, query)
	return nil
}

func (c *stubConn) Close() error { return nil }

func TestDummyConnection(t *testing.T) {
	db := Dummy()
	if db.IsConnected() {
		t.Error("dummy connection claims to be connected")
	}

	// Every operation must be a safe no-op so callers never branch on
	// whether a database is configured.
	db.RecordSession(&SessionMessage{ID: "01JTEST", Start: time.Now()})
	db.RecordSession(nil)
	db.RecordReport(&ReportMessage{SessionID: "01JTEST", TestIndex: 0})
	db.RecordReport(nil)
	db.FinishSession(&SessionMessage{ID: "01JTEST"})
	db.Disconnect()
	db.Wait()
}

func TestFinalRowsLandBeforeShutdown(t *testing.T) {
	conn := &stubConn{}
	db := &Connection{
		conn:       conn,
		sessionmsg: make(chan *SessionMessage),
		reportmsg:  make(chan *ReportMessage),
	}
	abort := make(chan struct{})
	db.Add(1)
	go db.handleConnection(abort)

	session := &SessionMessage{ID: "01JSESSION", Start: time.Now()}
	db.RecordSession(session)
	db.RecordReport(&ReportMessage{SessionID: session.ID, TestIndex: 0})
	db.FinishSession(session)
	// An immediate shutdown must not lose the rows just handed off.
	close(abort)
	db.Wait()

	if len(conn.inserts) != 3 {
		t.Fatalf("recorded %d inserts, want 3: %v", len(conn.inserts), conn.inserts)
	}
	if session.End.IsZero() {
		t.Error("FinishSession did not stamp the end time")
	}
}

func TestNilConnection(t *testing.T) {
	var db *Connection
	if db.IsConnected() {
		t.Error("nil connection claims to be connected")
	}
}

func TestRecordSessionFillsID(t *testing.T) {
	// The ID fill happens before the connectivity check only for live
	// connections; a dummy leaves the message untouched.
	db := Dummy()
	msg := &SessionMessage{}
	db.RecordSession(msg)
	if msg.ID != "" {
		t.Errorf("dummy connection assigned ID %q", msg.ID)
	}
}
