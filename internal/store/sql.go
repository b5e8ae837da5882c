package store

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"stockpulse/pkg/contracts/domain"
)

// Supported durable drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_records (
	job_id     TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

const statusIndex = `CREATE INDEX IF NOT EXISTS idx_job_records_status ON job_records (status)`

// Terminal rows are never overwritten: a record that reached completed,
// failed or cancelled stays exactly as it was persisted.
const upsertRecord = `
INSERT INTO job_records (job_id, status, payload, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (job_id) DO UPDATE SET
	status = excluded.status,
	payload = excluded.payload,
	updated_at = excluded.updated_at
WHERE job_records.status NOT IN ('completed', 'failed', 'cancelled')`

const selectRecord = `SELECT payload FROM job_records WHERE job_id = ?`

const deleteRecord = `DELETE FROM job_records WHERE job_id = ?`

// SQLBackend is a DurableBackend on database/sql. SQLite suits a single
// node; Postgres lets several API processes share records.
type SQLBackend struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// OpenSQL opens the database, applies driver settings and creates the schema.
func OpenSQL(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, errors.Newf("unsupported durable driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if driver == DriverSQLite {
		// One writer at a time; WAL lets readers proceed during writes
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, errors.Wrapf(err, "failed to apply %s", pragma)
			}
		}
	}

	b := NewSQLBackend(db, driver, logger)
	if err := b.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.InfoContext(ctx, "durable store opened",
		slog.String("component", "store"),
		slog.String("driver", driver),
	)
	return b, nil
}

// NewSQLBackend wraps an already open database
func NewSQLBackend(db *sql.DB, driver string, logger *slog.Logger) *SQLBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLBackend{db: db, driver: driver, logger: logger}
}

// Migrate creates the job_records table if needed
func (b *SQLBackend) Migrate(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return unavailable(err, "create job_records")
	}
	if _, err := b.db.ExecContext(ctx, statusIndex); err != nil {
		return unavailable(err, "create job_records status index")
	}
	return nil
}

// Save upserts a job record. A record that is already terminal is left
// untouched and the write fails with ErrRecordFinal.
func (b *SQLBackend) Save(ctx context.Context, jobID string, status domain.JobStatus, payload []byte) error {
	res, err := b.db.ExecContext(ctx, b.rebind(upsertRecord), jobID, string(status), string(payload), time.Now().UTC())
	if err != nil {
		return unavailable(err, "save job record")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err, "save job record")
	}
	if n == 0 {
		return errors.Mark(errors.Newf("job %s: durable record is already final", jobID), ErrRecordFinal)
	}
	return nil
}

// Load returns the stored payload for a job
func (b *SQLBackend) Load(ctx context.Context, jobID string) ([]byte, error) {
	var payload string
	err := b.db.QueryRowContext(ctx, b.rebind(selectRecord), jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err, "load job record")
	}
	return []byte(payload), nil
}

// Delete removes a job record
func (b *SQLBackend) Delete(ctx context.Context, jobID string) error {
	if _, err := b.db.ExecContext(ctx, b.rebind(deleteRecord), jobID); err != nil {
		return unavailable(err, "delete job record")
	}
	return nil
}

// ListByStatus returns payloads of all records in any of the given states
func (b *SQLBackend) ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([][]byte, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	query := "SELECT payload FROM job_records WHERE status IN (" + strings.Join(marks, ", ") + ") ORDER BY updated_at"

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, unavailable(err, "list job records")
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, unavailable(err, "scan job record")
		}
		out = append(out, []byte(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate job records")
	}
	return out, nil
}

// Ping checks the database connection
func (b *SQLBackend) Ping(ctx context.Context) error {
	return unavailable(b.db.PingContext(ctx), "ping durable store")
}

// Close closes the database
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres
func (b *SQLBackend) rebind(query string) string {
	if b.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
