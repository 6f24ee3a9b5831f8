// Package journal persists the terminal outcome of jobs in a SQLite database
// so that results outlive the in-memory result ring of a device.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"example.com/npu-sched/base/zaplog"
)

type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

type Record struct {
	JobID    uint64
	Status   Status
	Err      string
	// Causes names the well-known errors Err wraps.
	Causes   []string
	Tasks    int
	Finished time.Time
}

type Journal struct {
	Log *zap.Logger
	db  *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS jobs (
	id          INTEGER PRIMARY KEY,
	status      TEXT    NOT NULL,
	error       TEXT    NOT NULL DEFAULT '',
	causes      TEXT    NOT NULL DEFAULT '',
	tasks       INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
)`

// Open opens or creates the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(log *zap.Logger, path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %q: %w", path, err)
	}
	// A single connection serializes writers and keeps in-memory databases
	// shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize journal %q: %w", path, err)
	}
	j := &Journal{Log: zaplog.Or(log), db: db}
	j.Log.Debug("journal opened", zap.String("path", path))
	return j, nil
}

// Record stores r, replacing any earlier record of the same job.
func (j *Journal) Record(ctx context.Context, r Record) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (id, status, error, causes, tasks, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(r.JobID), string(r.Status), r.Err, strings.Join(r.Causes, "\n"), r.Tasks, r.Finished.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record job %d: %w", r.JobID, err)
	}
	return nil
}

// Lookup returns the record of a job and whether one exists.
func (j *Journal) Lookup(ctx context.Context, id uint64) (Record, bool, error) {
	var (
		r        Record
		status   string
		causes   string
		finished int64
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT status, error, causes, tasks, finished_at FROM jobs WHERE id = ?`, int64(id)).
		Scan(&status, &r.Err, &causes, &r.Tasks, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to look up job %d: %w", id, err)
	}
	r.JobID = id
	r.Status = Status(status)
	if causes != "" {
		r.Causes = strings.Split(causes, "\n")
	}
	r.Finished = time.Unix(0, finished)
	return r, true, nil
}

// Count returns the number of recorded jobs with the given status.
func (j *Journal) Count(ctx context.Context, s Status) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(s)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s jobs: %w", s, err)
	}
	return n, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
