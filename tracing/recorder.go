// Package tracing records the events of shadow domains.
package tracing

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/sarchlab/vmshadow/mem/vm/shadow"
	"github.com/tebeka/atexit"
)

// An Event is one recorded hook invocation.
type Event struct {
	ID     string
	Domain shadow.DomainID
	What   string
	GMFN   shadow.MFN
	SMFN   shadow.MFN
	Kind   string
	Detail string
}

// SQLiteRecorder is a shadow hook that writes the events it sees into a
// SQLite database. Events are buffered and written one transaction per
// batch.
type SQLiteRecorder struct {
	*sql.DB

	mu        sync.Mutex
	statement *sql.Stmt
	dbName    string
	events    []Event
	batchSize int
	written   int
}

// NewSQLiteRecorder creates a recorder that writes to path.sqlite3. An empty
// path picks a unique name. The buffered events are flushed when the program
// exits through atexit.
func NewSQLiteRecorder(path string) *SQLiteRecorder {
	r := &SQLiteRecorder{
		dbName:    path,
		batchSize: 10000,
	}

	atexit.Register(func() { r.Flush() })

	return r
}

// WithBatchSize sets the number of events buffered before they are written.
func (r *SQLiteRecorder) WithBatchSize(n int) *SQLiteRecorder {
	if n < 1 {
		n = 1
	}

	r.batchSize = n

	return r
}

// Init creates the database and the event table.
func (r *SQLiteRecorder) Init() error {
	if r.dbName == "" {
		r.dbName = "vmshadow_trace_" + xid.New().String()
	}

	filename := r.FileName()
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return err
	}

	r.DB = db

	if err := r.createTable(); err != nil {
		return err
	}

	r.statement, err = r.Prepare(`INSERT INTO event VALUES (?, ?, ?, ?, ?, ?, ?)`)

	return err
}

// FileName returns the name of the database file.
func (r *SQLiteRecorder) FileName() string {
	return r.dbName + ".sqlite3"
}

// Func records a hook invocation.
func (r *SQLiteRecorder) Func(ctx shadow.HookCtx) {
	e := Event{
		ID:     xid.New().String(),
		What:   ctx.Pos.Name,
		GMFN:   ctx.Item.GMFN,
		SMFN:   ctx.Item.SMFN,
		Kind:   ctx.Item.Kind.String(),
		Detail: detailOf(ctx),
	}

	if ctx.Domain != nil {
		e.Domain = ctx.Domain.ID()
	}

	r.Write(e)
}

// Write buffers an event and writes the batch when it is full.
func (r *SQLiteRecorder) Write(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	if len(r.events) >= r.batchSize {
		r.flushLocked()
	}
}

// Flush writes all the buffered events to the database.
func (r *SQLiteRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked()
}

// Written returns the number of events committed so far.
func (r *SQLiteRecorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.written
}

func (r *SQLiteRecorder) flushLocked() {
	if len(r.events) == 0 || r.DB == nil {
		return
	}

	tx, err := r.Begin()
	if err != nil {
		panic(err)
	}

	stmt := tx.Stmt(r.statement)
	for _, e := range r.events {
		_, err := stmt.Exec(
			e.ID,
			int64(e.Domain),
			e.What,
			frameColumn(e.GMFN),
			frameColumn(e.SMFN),
			e.Kind,
			e.Detail,
		)
		if err != nil {
			_ = tx.Rollback()
			panic(fmt.Errorf("inserting event %s: %w", e.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		panic(err)
	}

	r.written += len(r.events)
	r.events = nil
}

func (r *SQLiteRecorder) createTable() error {
	_, err := r.Exec(`
		create table event
		(
			event_id varchar(200) not null,
			domain   integer      not null,
			what     varchar(100) not null,
			gmfn     integer      default -1,
			smfn     integer      default -1,
			kind     varchar(100) default 'none',
			detail   varchar(200) default ''
		);
	`)
	if err != nil {
		return err
	}

	for _, column := range []string{"domain", "what", "gmfn"} {
		_, err = r.Exec(fmt.Sprintf(
			`create index event_%[1]s_index on event (%[1]s);`, column))
		if err != nil {
			return err
		}
	}

	return nil
}

// Close flushes the buffered events and closes the database.
func (r *SQLiteRecorder) Close() error {
	r.Flush()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.DB == nil {
		return nil
	}

	if r.statement != nil {
		_ = r.statement.Close()
	}

	err := r.DB.Close()
	r.DB = nil

	return err
}

// frameColumn stores an invalid frame as -1. The driver does not take
// uint64 values with the high bit set.
func frameColumn(m shadow.MFN) int64 {
	if !m.Valid() {
		return -1
	}

	return int64(m)
}

func detailOf(ctx shadow.HookCtx) string {
	var parts []string

	if ctx.Item.What != "" {
		parts = append(parts, ctx.Item.What)
	}

	if ctx.Detail != nil {
		parts = append(parts, fmt.Sprint(ctx.Detail))
	}

	return strings.Join(parts, " ")
}
