package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/scania/scanhub/internal/finding"
	"github.com/scania/scanhub/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status, created_at);
CREATE TABLE IF NOT EXISTS findings (
	job_id TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	severity INTEGER NOT NULL,
	body TEXT NOT NULL,
	PRIMARY KEY (job_id, id)
);`

// SQLite stores jobs in a single database file. Jobs and findings are kept as
// JSON documents, the columns exist for lookups only.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. ":memory:" is accepted.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection: sqlite serializes writers anyway and ":memory:" is per connection
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// tx runs fn in a transaction, committing when fn returns nil.
func (s *SQLite) tx(ctx context.Context, jobID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("job_id", jobID))
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, job model.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.tx(ctx, job.ID, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id=?`, job.ID).Scan(&n); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if n > 0 {
			return ErrExists
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, owner, status, created_at, body) VALUES (?,?,?,?,?)`,
			job.ID, job.Owner, string(job.Status), job.CreatedAt.UnixNano(), string(body),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return nil
	})
}

func (s *SQLite) Get(ctx context.Context, id string) (model.Job, error) {
	var job model.Job
	err := s.tx(ctx, id, func(tx *sql.Tx) error {
		var err error
		job, err = getJob(ctx, tx, id)
		return err
	})
	return job, err
}

func getJob(ctx context.Context, tx *sql.Tx, id string) (model.Job, error) {
	var body string
	err := tx.QueryRowContext(ctx, `SELECT body FROM jobs WHERE id=?`, id).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Job{}, ErrNotFound
	case err != nil:
		return model.Job{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	var job model.Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return model.Job{}, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLite) Update(ctx context.Context, job model.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.tx(ctx, job.ID, func(tx *sql.Tx) error {
		stored, err := getJob(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if err := checkUpdate(stored); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET owner = ?, status = ?, body = ? WHERE id = ?`,
			job.Owner, string(job.Status), string(body), job.ID,
		)
		if err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		return nil
	})
}

func (s *SQLite) SaveFindings(ctx context.Context, jobID string, findings []finding.Finding) error {
	findings = finding.Merge(findings)
	return s.tx(ctx, jobID, func(tx *sql.Tx) error {
		if _, err := getJob(ctx, tx, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM findings WHERE job_id=?`, jobID); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO findings (job_id, id, severity, body) VALUES (?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, f := range findings {
			body, err := json.Marshal(f)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, jobID, f.ID, int(f.Severity), string(body)); err != nil {
				return fmt.Errorf("executing sql insert failed: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) Findings(ctx context.Context, jobID string) ([]finding.Finding, error) {
	var out []finding.Finding
	err := s.tx(ctx, jobID, func(tx *sql.Tx) error {
		if _, err := getJob(ctx, tx, jobID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT body FROM findings WHERE job_id=? ORDER BY severity DESC, id ASC`, jobID)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				return err
			}
			var f finding.Finding
			if err := json.Unmarshal([]byte(body), &f); err != nil {
				return fmt.Errorf("decoding finding: %w", err)
			}
			out = append(out, f)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLite) ListByStatus(ctx context.Context, statuses ...model.Status) ([]model.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	query := fmt.Sprintf(`SELECT body FROM jobs WHERE status IN (%s) ORDER BY created_at ASC, id ASC`,
		strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ","))

	var out []model.Job
	err := s.tx(ctx, "", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				return err
			}
			var j model.Job
			if err := json.Unmarshal([]byte(body), &j); err != nil {
				return fmt.Errorf("decoding job: %w", err)
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	return out, err
}
