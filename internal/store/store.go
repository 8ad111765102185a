// Package store keeps the durable history of render jobs, keyed by the
// provider-assigned video id.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/voiceavatar/api/internal/config"
	"github.com/voiceavatar/api/internal/model"
)

// Store is the job history. Every method is atomic with respect to one
// record and safe for concurrent use.
type Store interface {
	// Create inserts job. It fails with *DuplicateIDError when the id exists
	// and never overwrites the existing record.
	Create(ctx context.Context, job *model.RenderJob) error
	// Update applies the non-nil fields of u. It fails with *NotFoundError.
	Update(ctx context.Context, id string, u model.JobUpdate) error
	// Finish applies u only while the job is still processing and reports
	// whether it did. A job that already reached a terminal status is left
	// untouched. It fails with *NotFoundError.
	Finish(ctx context.Context, id string, u model.JobUpdate) (bool, error)
	// GetByID returns nil, nil when id is absent
	GetByID(ctx context.Context, id string) (*model.RenderJob, error)
	// ListAll returns every job, newest CreatedAt first
	ListAll(ctx context.Context) ([]*model.RenderJob, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

// NotFoundError is returned when a job id does not exist
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.ID)
}

// DuplicateIDError is returned when a job id is created twice
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("job %s already exists", e.ID)
}

// StoreError wraps a failure of the underlying engine
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrInvalidStatus marks a record or update carrying an unknown job status
var ErrInvalidStatus = errors.New("invalid job status")

func checkStatus(id string, status model.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("job %s: %w %q", id, ErrInvalidStatus, status)
	}
	return nil
}

func checkUpdate(id string, u model.JobUpdate) error {
	if u.Status == nil {
		return nil
	}
	return checkStatus(id, *u.Status)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// New opens the backend selected by cfg.Driver. rdb is only used by the
// redis driver.
func New(cfg *config.StoreConfig, rdb *redis.Client) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(rdb, cfg.KeyPrefix), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(strings.ToLower(cfg.Driver), cfg.DSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
