package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/model"
)

const (
	TaskTypeGenerate = "video:generate"
	TaskTypeResume   = "video:resume"

	// QueueVideo is the only queue the generation worker consumes
	QueueVideo = "video"
)

// Enqueuer is the part of *asynq.Client the dispatcher uses
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher turns generation requests into queued tasks
type Dispatcher struct {
	client  Enqueuer
	timeout time.Duration
}

// NewDispatcher creates a Dispatcher. timeout bounds one task run; a render
// still in progress at that point is handed off to a new resume task.
func NewDispatcher(client Enqueuer, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	return &Dispatcher{client: client, timeout: timeout}
}

// NewGenerateTask builds the task for one generation request
func NewGenerateTask(requestID string, req model.RenderRequest) (*asynq.Task, error) {
	payload, err := json.Marshal(model.GenerateTaskPayload{RequestID: requestID, Request: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate payload: %w", err)
	}
	return asynq.NewTask(TaskTypeGenerate, payload), nil
}

// NewResumeTask builds the task that continues tracking a job
func NewResumeTask(p model.ResumeTaskPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resume payload: %w", err)
	}
	return asynq.NewTask(TaskTypeResume, payload), nil
}

// EnqueueGenerate queues a generation. It is never retried by the queue:
// a second run would submit a second remote render.
func (d *Dispatcher) EnqueueGenerate(ctx context.Context, requestID string, req model.RenderRequest) error {
	task, err := NewGenerateTask(requestID, req)
	if err != nil {
		return err
	}

	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueVideo),
		asynq.TaskID(requestID),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// EnqueueResume queues tracking for a processing job. Re-enqueueing a job
// that already has a pending resume task is not an error.
func (d *Dispatcher) EnqueueResume(ctx context.Context, jobID string) error {
	return d.enqueueResume(ctx, model.ResumeTaskPayload{JobID: jobID})
}

// HandOff queues the next tracking run for a job whose task reached its
// deadline. Each hand-off gets its own task id because the previous task
// is still retained by the queue under its id.
func (d *Dispatcher) HandOff(ctx context.Context, next model.ResumeTaskPayload) error {
	return d.enqueueResume(ctx, next)
}

func resumeTaskID(p model.ResumeTaskPayload) string {
	if p.Handoff == 0 {
		return "resume:" + p.JobID
	}
	return fmt.Sprintf("resume:%s:%d", p.JobID, p.Handoff)
}

func (d *Dispatcher) enqueueResume(ctx context.Context, p model.ResumeTaskPayload) error {
	task, err := NewResumeTask(p)
	if err != nil {
		return err
	}

	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueVideo),
		asynq.TaskID(resumeTaskID(p)),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		log.Debug().Str("video_id", p.JobID).Int("handoff", p.Handoff).Msg("resume already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// PendingLister lists jobs that have not reached a terminal state
type PendingLister interface {
	ListProcessing(ctx context.Context) ([]*model.RenderJob, error)
}

// ResumePending enqueues a resume task for every processing job. It is run
// once at startup so renders interrupted by a restart are still recorded.
func ResumePending(ctx context.Context, history PendingLister, d *Dispatcher) (int, error) {
	jobs, err := history.ListProcessing(ctx)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, job := range jobs {
		if err := d.EnqueueResume(ctx, job.ID); err != nil {
			log.Error().Err(err).Str("video_id", job.ID).Msg("failed to queue resume")
			continue
		}
		queued++
	}
	if queued > 0 {
		log.Info().Int("count", queued).Msg("queued interrupted renders for resume")
	}
	return queued, nil
}
