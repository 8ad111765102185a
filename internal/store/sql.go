package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/model"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `CREATE TABLE IF NOT EXISTS render_jobs (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	created_at       BIGINT NOT NULL,
	result_url       TEXT,
	thumbnail_url    TEXT,
	duration_seconds DOUBLE PRECISION,
	persona_label    TEXT NOT NULL DEFAULT '',
	voice_label      TEXT NOT NULL DEFAULT '',
	transcript_text  TEXT NOT NULL DEFAULT '',
	recording_url    TEXT NOT NULL DEFAULT ''
)`

const indexSchema = `CREATE INDEX IF NOT EXISTS idx_render_jobs_created_at ON render_jobs (created_at DESC)`

const jobColumns = `id, status, created_at, result_url, thumbnail_url, duration_seconds,
	persona_label, voice_label, transcript_text, recording_url`

// SQLStore is a Store on database/sql, either an embedded SQLite file or
// PostgreSQL. CreatedAt is kept as unix nanoseconds so both engines order
// and round-trip it identically.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens dsn with driver ("sqlite" or "postgres") and creates the schema
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s store requires a DSN", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(10 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("job history database ready")
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range []string{schema, indexSchema} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Create(ctx context.Context, job *model.RenderJob) error {
	if err := checkStatus(job.ID, job.Status); err != nil {
		return wrap("create", err)
	}
	query := s.rebind(`INSERT INTO render_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query,
		job.ID,
		string(job.Status),
		job.CreatedAt.UnixNano(),
		nullString(job.ResultURL),
		nullString(job.ThumbnailURL),
		nullFloat(job.DurationSeconds),
		job.PersonaLabel,
		job.VoiceLabel,
		job.TranscriptText,
		job.RecordingURL,
	)
	if err != nil {
		return wrap("create", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("create", err)
	}
	if n == 0 {
		return &DuplicateIDError{ID: job.ID}
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, id string, u model.JobUpdate) error {
	n, err := s.update(ctx, "update", id, u, false)
	if err != nil {
		return err
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *SQLStore) Finish(ctx context.Context, id string, u model.JobUpdate) (bool, error) {
	n, err := s.update(ctx, "finish", id, u, true)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM render_jobs WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &NotFoundError{ID: id}
	}
	if err != nil {
		return false, wrap("finish", err)
	}
	return false, nil
}

// update applies u and returns the number of rows written. With
// onlyProcessing set, rows that are already terminal are skipped.
func (s *SQLStore) update(ctx context.Context, op, id string, u model.JobUpdate, onlyProcessing bool) (int64, error) {
	if err := checkUpdate(id, u); err != nil {
		return 0, wrap(op, err)
	}
	var status interface{}
	if u.Status != nil {
		status = string(*u.Status)
	}

	query := `UPDATE render_jobs SET
		status = COALESCE(?, status),
		result_url = COALESCE(?, result_url),
		thumbnail_url = COALESCE(?, thumbnail_url),
		duration_seconds = COALESCE(?, duration_seconds)
		WHERE id = ?`
	args := []interface{}{
		status,
		nullString(u.ResultURL),
		nullString(u.ThumbnailURL),
		nullFloat(u.DurationSeconds),
		id,
	}
	if onlyProcessing {
		query += ` AND status = ?`
		args = append(args, string(model.JobStatusProcessing))
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(op, err)
	}
	return n, nil
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*model.RenderJob, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM render_jobs WHERE id = ?`), id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	return job, nil
}

func (s *SQLStore) ListAll(ctx context.Context) ([]*model.RenderJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM render_jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	jobs := []*model.RenderJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrap("list", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", err)
	}
	return jobs, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM render_jobs WHERE id = ?`), id)
	if err != nil {
		return wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("delete", err)
	}
	if n == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM render_jobs`); err != nil {
		return wrap("clear", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*model.RenderJob, error) {
	var (
		job          model.RenderJob
		status       string
		createdAt    int64
		resultURL    sql.NullString
		thumbnailURL sql.NullString
		duration     sql.NullFloat64
	)
	err := row.Scan(
		&job.ID,
		&status,
		&createdAt,
		&resultURL,
		&thumbnailURL,
		&duration,
		&job.PersonaLabel,
		&job.VoiceLabel,
		&job.TranscriptText,
		&job.RecordingURL,
	)
	if err != nil {
		return nil, err
	}

	job.Status = model.JobStatus(status)
	if err := checkStatus(job.ID, job.Status); err != nil {
		return nil, err
	}
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	if resultURL.Valid {
		job.ResultURL = &resultURL.String
	}
	if thumbnailURL.Valid {
		job.ThumbnailURL = &thumbnailURL.String
	}
	if duration.Valid {
		job.DurationSeconds = &duration.Float64
	}
	return &job, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
