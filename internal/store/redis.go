package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/model"
)

const maxTxRetries = 5

// RedisStore keeps each job as a JSON string under {prefix}job:{id} and
// orders them with a sorted set scored by CreatedAt in microseconds.
// Records never expire.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore. The client is owned by the caller.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "avatar"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + "job:" + id }

func (s *RedisStore) indexKey() string { return s.prefix + "jobs" }

// decodeJob unmarshals a stored record and rejects unknown statuses
func decodeJob(data []byte) (*model.RenderJob, error) {
	var job model.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	if err := checkStatus(job.ID, job.Status); err != nil {
		return nil, err
	}
	return &job, nil
}

// errAlreadyFinal aborts a Finish transaction on a terminal record
var errAlreadyFinal = errors.New("job already final")

func (s *RedisStore) Create(ctx context.Context, job *model.RenderJob) error {
	if err := checkStatus(job.ID, job.Status); err != nil {
		return wrap("create", err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return wrap("create", err)
	}
	key := s.jobKey(job.ID)

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return &DuplicateIDError{ID: job.ID}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(job.CreatedAt.UnixMicro()), Member: job.ID})
			return nil
		})
		return err
	}, key)

	var dup *DuplicateIDError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &dup):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// the key was written between WATCH and EXEC
		return &DuplicateIDError{ID: job.ID}
	default:
		return wrap("create", err)
	}
}

func (s *RedisStore) Update(ctx context.Context, id string, u model.JobUpdate) error {
	return s.update(ctx, "update", id, u, false)
}

func (s *RedisStore) Finish(ctx context.Context, id string, u model.JobUpdate) (bool, error) {
	err := s.update(ctx, "finish", id, u, true)
	if errors.Is(err, errAlreadyFinal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// update reads, modifies and writes the record under WATCH, retrying when
// another writer touched it in between
func (s *RedisStore) update(ctx context.Context, op, id string, u model.JobUpdate, onlyProcessing bool) error {
	if err := checkUpdate(id, u); err != nil {
		return wrap(op, err)
	}
	key := s.jobKey(id)

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return &NotFoundError{ID: id}
			}
			if err != nil {
				return err
			}

			job, err := decodeJob(data)
			if err != nil {
				return err
			}
			if onlyProcessing && job.Status.IsTerminal() {
				return errAlreadyFinal
			}
			u.Apply(job)
			updated, err := json.Marshal(job)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			return err
		}, key)

		var nf *NotFoundError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &nf), errors.Is(err, errAlreadyFinal):
			return err
		case errors.Is(err, redis.TxFailedErr):
			log.Debug().Str("job_id", id).Int("attempt", attempt+1).Msg("concurrent job update, retrying")
			continue
		default:
			return wrap(op, err)
		}
	}
	return wrap(op, redis.TxFailedErr)
}

func (s *RedisStore) GetByID(ctx context.Context, id string) (*model.RenderJob, error) {
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get", err)
	}

	job, err := decodeJob(data)
	if err != nil {
		return nil, wrap("get", err)
	}
	return job, nil
}

func (s *RedisStore) ListAll(ctx context.Context) ([]*model.RenderJob, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, wrap("list", err)
	}
	if len(ids) == 0 {
		return []*model.RenderJob{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap("list", err)
	}

	jobs := make([]*model.RenderJob, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index entry without a record, left behind by a partial delete
			log.Warn().Str("job_id", ids[i]).Msg("job index points at missing record")
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, wrap("list", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var deleted *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.jobKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return wrap("delete", err)
	}
	if deleted.Val() == 0 {
		return &NotFoundError{ID: id}
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return wrap("clear", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.jobKey(id))
	}
	keys = append(keys, s.indexKey())

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return wrap("clear", err)
	}
	return nil
}

// Close is a no-op; the redis client is shared with the queue and rate limiter
func (s *RedisStore) Close() error { return nil }
