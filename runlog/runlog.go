// Package runlog keeps a SQLite record of every scan: when it ran, what it
// moved, each completed step and how it ended.
package runlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nasa-jpl/beamline/acquisition"
	"github.com/nasa-jpl/beamline/task"
)

// ErrNotFound is returned for an unknown scan ID
var ErrNotFound = errors.New("scan not found")

// Record is the stored summary of one scan
type Record struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Status     string                 `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Parameters []string               `json:"parameters"`
	Steps      int                    `json:"steps"`
	StepsDone  int                    `json:"stepsDone"`
	Started    time.Time              `json:"started"`
	Finished   *time.Time             `json:"finished,omitempty"`
	StepInfo   []acquisition.StepInfo `json:"stepInfo,omitempty"`
}

// Log wraps the database
type Log struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; this also keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	l := &Log{DB: db}
	if err := l.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scans (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            status TEXT NOT NULL,
            parameters_json TEXT,
            steps INTEGER NOT NULL,
            steps_done INTEGER NOT NULL DEFAULT 0,
            started_at TEXT NOT NULL,
            finished_at TEXT,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS scan_steps (
            scan_id TEXT NOT NULL,
            step INTEGER NOT NULL,
            info_json TEXT NOT NULL,
            PRIMARY KEY (scan_id, step)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_scans_started ON scans(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := l.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB
func (l *Log) Close() error {
	if l == nil || l.DB == nil {
		return nil
	}
	return l.DB.Close()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Begin records a scan as running
func (l *Log) Begin(s *acquisition.Scan) error {
	info := s.Info()
	params, err := json.Marshal(info.Parameters.Names)
	if err != nil {
		return err
	}
	_, total := s.Progress()
	_, err = l.DB.Exec(`INSERT OR REPLACE INTO scans (id, name, status, parameters_json, steps, started_at) VALUES (?, ?, ?, ?, ?, ?);`,
		s.ID, s.Name, task.Running.String(), string(params), total, stamp(time.Now()))
	return err
}

// Step records a completed step of scan id
func (l *Log) Step(id string, si acquisition.StepInfo) error {
	buf, err := json.Marshal(si)
	if err != nil {
		return err
	}
	tx, err := l.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err = tx.Exec(`INSERT OR REPLACE INTO scan_steps (scan_id, step, info_json) VALUES (?, ?, ?);`, id, si.Step, string(buf)); err != nil {
		return err
	}
	res, err := tx.Exec(`UPDATE scans SET steps_done = (SELECT COUNT(*) FROM scan_steps WHERE scan_id=?) WHERE id=?;`, id, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return tx.Commit()
}

// End records the outcome of s, inserting its row first when the scan failed
// before Begin ran
func (l *Log) End(s *acquisition.Scan, err error) error {
	info := s.Info()
	params, merr := json.Marshal(info.Parameters.Names)
	if merr != nil {
		return merr
	}
	_, total := s.Progress()
	_, xerr := l.DB.Exec(`INSERT OR IGNORE INTO scans (id, name, status, parameters_json, steps, started_at) VALUES (?, ?, ?, ?, ?, ?);`,
		s.ID, s.Name, task.Running.String(), string(params), total, stamp(time.Now()))
	if xerr != nil {
		return xerr
	}
	return l.Finish(s.ID, s.Status(), err)
}

// Finish records the final status of scan id.  err may be nil
func (l *Log) Finish(id string, status task.Status, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	res, xerr := l.DB.Exec(`UPDATE scans SET status=?, finished_at=?, error_message=? WHERE id=?;`,
		status.String(), stamp(time.Now()), msg, id)
	if xerr != nil {
		return xerr
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectScan = `SELECT id, name, status, parameters_json, steps, steps_done, started_at, finished_at, error_message FROM scans`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec      Record
		params   sql.NullString
		started  string
		finished sql.NullString
		errMsg   sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Status, &params, &rec.Steps, &rec.StepsDone, &started, &finished, &errMsg)
	if err != nil {
		return rec, err
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &rec.Parameters); err != nil {
			return rec, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if rec.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return rec, err
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return rec, err
		}
		rec.Finished = &t
	}
	rec.Error = errMsg.String
	return rec, nil
}

// Get returns scan id with its steps
func (l *Log) Get(id string) (Record, error) {
	rec, err := scanRecord(l.DB.QueryRow(selectScan+` WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return rec, err
	}
	rows, err := l.DB.Query(`SELECT info_json FROM scan_steps WHERE scan_id=? ORDER BY step;`, id)
	if err != nil {
		return rec, err
	}
	defer rows.Close()
	for rows.Next() {
		var buf string
		if err := rows.Scan(&buf); err != nil {
			return rec, err
		}
		var si acquisition.StepInfo
		if err := json.Unmarshal([]byte(buf), &si); err != nil {
			return rec, fmt.Errorf("unmarshal step: %w", err)
		}
		rec.StepInfo = append(rec.StepInfo, si)
	}
	return rec, rows.Err()
}

// List returns the latest scans, newest first, without their steps
func (l *Log) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.DB.Query(selectScan+` ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Attach chains the log into the callbacks of a scan setup, keeping any
// callbacks already present.  Failures to write are reported to onErr, which
// may be nil
func (l *Log) Attach(setup *acquisition.Setup, onErr func(error)) {
	report := func(err error) {
		if err != nil && onErr != nil {
			onErr(err)
		}
	}
	start, step, end := setup.OnStart, setup.OnStep, setup.OnEnd
	setup.OnStart = func(s *acquisition.Scan) error {
		report(l.Begin(s))
		if start != nil {
			return start(s)
		}
		return nil
	}
	setup.OnStep = func(s *acquisition.Scan, si acquisition.StepInfo) {
		report(l.Step(s.ID, si))
		if step != nil {
			step(s, si)
		}
	}
	setup.OnEnd = func(s *acquisition.Scan, err error) {
		report(l.End(s, err))
		if end != nil {
			end(s, err)
		}
	}
}
