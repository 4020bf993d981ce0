// Package powerdb records measurement sessions and per-test reports in a
// ClickHouse database. All writes happen on a background goroutine fed by
// channels, so the measurement loop never waits on the database.
package powerdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "powertest" // official SQL name of the database

// Connection wraps the ClickHouse connection plus the channels that feed it.
// A zero-value-like dummy Connection (from Dummy) accepts and discards all
// messages, so callers never branch on whether a database is configured.
type Connection struct {
	conn       clickhouse.Conn
	err        error
	sessionmsg chan *SessionMessage
	reportmsg  chan *ReportMessage
	sync.WaitGroup
}

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer verifies that a ClickHouse server is reachable with the
// configured credentials.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// Start opens the database connection and launches the goroutine that
// handles it until abort closes. Wait blocks until that goroutine has
// handled every accepted message and disconnected.
func Start(abort <-chan struct{}) *Connection {
	db := createConnection()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// Dummy returns a Connection that records nothing, for runs without a
// database.
func Dummy() *Connection {
	return &Connection{}
}

func createConnection() *Connection {
	db := &Connection{}
	addr := os.Getenv("POWERTEST_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("POWERTEST_DB_USER"),
		Password: os.Getenv("POWERTEST_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "powertest", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.sessionmsg = make(chan *SessionMessage)
	db.reportmsg = make(chan *ReportMessage)
	return db
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case rmsg := <-db.reportmsg:
			db.handleReportMessage(rmsg)
		}
	}
}

// Disconnect closes the underlying connection.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.conn.Close()
	}
}

// RecordSession stores a session row (if the DB is open). It blocks until
// `handleConnection` accepts the message, so the session row exists before
// any report rows that reference it.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	db.sessionmsg <- msg
}

// RecordReport stores one report row. The send blocks until
// `handleConnection` accepts the message; reports arrive at test-completion
// granularity, so the handoff never backs up the measurement loop.
func (db *Connection) RecordReport(msg *ReportMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	db.reportmsg <- msg
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Hostname, m.Version, m.ELFPath,
		m.Expected, m.Completed, m.Anomalies, m.Outcome,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *Connection) handleReportMessage(m *ReportMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO reports VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.SessionID, m.TestIndex, m.SampleCount,
		m.MeanMicroAmps, m.Degenerate, m.FirstSample, m.LastSample,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into reports ", err)
		db.err = err
	}
}

// FinishSession stamps the end time on the session and stores the final row.
// ClickHouse is append-only here; consumers take the latest row per session
// ID. The send blocks until `handleConnection` accepts the message, so the
// outcome row cannot be lost to a shutdown racing the handoff.
func (db *Connection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	db.sessionmsg <- msg
}
