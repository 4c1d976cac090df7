package tracing

import (
	"database/sql"

	"github.com/sarchlab/vmshadow/mem/vm/shadow"
)

// SQLiteEventReader reads the events written by a SQLiteRecorder.
type SQLiteEventReader struct {
	*sql.DB

	filename string
}

// NewSQLiteEventReader creates a reader of the given database file.
func NewSQLiteEventReader(filename string) *SQLiteEventReader {
	return &SQLiteEventReader{
		filename: filename,
	}
}

// Init establishes a connection to the database.
func (r *SQLiteEventReader) Init() error {
	db, err := sql.Open("sqlite3", r.filename)
	if err != nil {
		return err
	}

	r.DB = db

	return nil
}

// CountByWhat returns how many events of each hook position were recorded.
func (r *SQLiteEventReader) CountByWhat() (map[string]int, error) {
	rows, err := r.Query(`SELECT what, COUNT(*) FROM event GROUP BY what`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)

	for rows.Next() {
		var (
			what  string
			count int
		)

		if err := rows.Scan(&what, &count); err != nil {
			return nil, err
		}

		counts[what] = count
	}

	return counts, rows.Err()
}

// EventsOf lists the events of one domain in the order they were recorded.
func (r *SQLiteEventReader) EventsOf(domain shadow.DomainID) ([]Event, error) {
	rows, err := r.Query(`
		SELECT event_id, domain, what, gmfn, smfn, kind, detail
		FROM event
		WHERE domain = ?
		ORDER BY rowid
	`, int64(domain))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event

	for rows.Next() {
		var (
			e          Event
			id         int64
			gmfn, smfn int64
		)

		err := rows.Scan(&e.ID, &id, &e.What, &gmfn, &smfn, &e.Kind, &e.Detail)
		if err != nil {
			return nil, err
		}

		e.Domain = shadow.DomainID(id)
		e.GMFN = frameFromColumn(gmfn)
		e.SMFN = frameFromColumn(smfn)

		events = append(events, e)
	}

	return events, rows.Err()
}

func frameFromColumn(v int64) shadow.MFN {
	if v < 0 {
		return shadow.InvalidMFN
	}

	return shadow.MFN(v)
}
