// Package flightlog implements the sqlite flight recorder: one session row
// per bring-up attempt plus event and battery tables. Recording is
// best-effort bookkeeping for forensics; callers log and swallow errors so
// a full disk can never take the control path down.
package flightlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Recorder writes flight sessions to a per-robot sqlite database.
type Recorder struct {
	dbPath  string
	robotID int

	sessionID string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a recorder writing to dir. The directory must exist.
func New(dir string, robotID int) (*Recorder, error) {
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("flight log directory %q: %w", dir, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("flight log path %q is not a directory", dir)
	}

	name := fmt.Sprintf("robot_%02d_%s.sqlite", robotID, time.Now().UTC().Format("20060102_150405"))
	return &Recorder{
		dbPath:  filepath.Join(dir, name),
		robotID: robotID,
	}, nil
}

// Path returns the database file path.
func (r *Recorder) Path() string { return r.dbPath }

// SessionID returns the current session identifier, empty before Begin.
func (r *Recorder) SessionID() string { return r.sessionID }

func (r *Recorder) getWriteDB() (*sql.DB, error) {
	r.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", r.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			r.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			r.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		r.writeDB = db
	})

	return r.writeDB, r.writeDBErr
}

// Begin opens a new session, storing the configuration for forensics.
// Config may be nil or any JSON-serializable value.
func (r *Recorder) Begin(config any) (err error) {
	var configData sql.NullString
	if config != nil {
		p, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		configData.Valid = true
		configData.String = string(p)
	}

	db, err := r.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	r.sessionID = uuid.NewString()
	if _, err = db.Exec(insertSessionSQL, r.sessionID, r.robotID, configData); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Event records one timestamped event line for the current session.
func (r *Recorder) Event(source, message string) error {
	if r.sessionID == "" {
		return fmt.Errorf("no session started")
	}
	db, err := r.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}
	if _, err = db.Exec(insertEventSQL, r.sessionID, time.Now().UTC(), source, message); err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Battery records one battery sample for the current session.
func (r *Recorder) Battery(voltage, power float64) error {
	if r.sessionID == "" {
		return fmt.Errorf("no session started")
	}
	db, err := r.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}
	if _, err = db.Exec(insertBatterySQL, r.sessionID, time.Now().UTC(), voltage, power); err != nil {
		return fmt.Errorf("inserting battery sample: %w", err)
	}
	return nil
}

// Size returns the current database file size in bytes.
func (r *Recorder) Size() int64 {
	stat, err := os.Stat(r.dbPath)
	if err != nil {
		return 0
	}
	return stat.Size()
}

// Close releases the database. Safe to call multiple times.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		if r.writeDB != nil {
			r.closeErr = r.writeDB.Close()
		}
	})
	return r.closeErr
}
