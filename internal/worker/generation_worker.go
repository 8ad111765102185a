package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/model"
	"github.com/voiceavatar/api/internal/service"
	"github.com/voiceavatar/api/pkg/response"
)

// Generator is the pipeline the worker drives
type Generator interface {
	Generate(ctx context.Context, requestID string, req model.RenderRequest, sink service.ProgressSink) (*model.PlayableVideo, error)
	Resume(ctx context.Context, jobID string, sink service.ProgressSink) (*model.PlayableVideo, error)
}

// Broadcaster delivers results to the request's live subscribers
type Broadcaster interface {
	service.ProgressSink
	BroadcastComplete(requestID string, result *model.PlayableVideo)
	BroadcastError(requestID string, code, message string)
}

// ResumeQueue takes over tracking of a job whose task ran out of time
type ResumeQueue interface {
	HandOff(ctx context.Context, next model.ResumeTaskPayload) error
}

// GenerationWorker processes video tasks
type GenerationWorker struct {
	generator Generator
	hub       Broadcaster
	queue     ResumeQueue
	sinks     []service.ProgressSink

	// stop is cancelled when the server shuts down so running tasks return
	// before the queue requeues them
	stop context.Context
}

// NewGenerationWorker creates a worker. Extra sinks receive every progress
// event after the hub.
func NewGenerationWorker(stop context.Context, generator Generator, hub Broadcaster, queue ResumeQueue, sinks ...service.ProgressSink) *GenerationWorker {
	if stop == nil {
		stop = context.Background()
	}
	return &GenerationWorker{
		generator: generator,
		hub:       hub,
		queue:     queue,
		sinks:     sinks,
		stop:      stop,
	}
}

// Register mounts the task handlers on mux
func (w *GenerationWorker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeGenerate, w.ProcessGenerate)
	mux.HandleFunc(TaskTypeResume, w.ProcessResume)
}

// tracker forwards events to the hub and extra sinks, optionally under a
// different request id, and remembers the job id once one is known.
type tracker struct {
	requestID string
	jobID     string
	sinks     service.MultiSink
}

func (t *tracker) Notify(event model.ProgressEvent) {
	if event.JobID != "" {
		t.jobID = event.JobID
	}
	if t.requestID != "" {
		event.RequestID = t.requestID
	}
	t.sinks.Notify(event)
}

func (w *GenerationWorker) newTracker(requestID, jobID string) *tracker {
	sinks := make(service.MultiSink, 0, len(w.sinks)+1)
	sinks = append(sinks, w.hub)
	sinks = append(sinks, w.sinks...)
	return &tracker{requestID: requestID, jobID: jobID, sinks: sinks}
}

// runContext is ctx, also cancelled when the worker is stopping
func (w *GenerationWorker) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	release := context.AfterFunc(w.stop, cancel)
	return runCtx, func() {
		release()
		cancel()
	}
}

// handOff queues a resume task for a submitted job whose task context ended
// without a shutdown. It reports whether the job is now tracked elsewhere.
func (w *GenerationWorker) handOff(logger zerolog.Logger, next model.ResumeTaskPayload) bool {
	if w.queue == nil || next.JobID == "" {
		return false
	}
	if err := w.queue.HandOff(w.stop, next); err != nil {
		logger.Error().Err(err).Str("video_id", next.JobID).Msg("failed to hand off render tracking")
		return false
	}
	logger.Info().Str("video_id", next.JobID).Int("handoff", next.Handoff).Msg("task deadline reached, render tracking handed off")
	w.hub.Notify(model.ProgressEvent{
		RequestID: next.RequestID,
		JobID:     next.JobID,
		Stage:     model.StageRendering,
		Status:    model.JobStatusProcessing,
		Message:   "still rendering",
	})
	return true
}

// ProcessGenerate handles video:generate
func (w *GenerationWorker) ProcessGenerate(ctx context.Context, t *asynq.Task) error {
	var payload model.GenerateTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal generate payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := log.With().Str("request_id", payload.RequestID).Logger()
	logger.Info().Str("voice_mode", string(payload.Request.VoiceMode)).Msg("starting generation")

	runCtx, cancel := w.runContext(ctx)
	defer cancel()

	track := w.newTracker("", "")
	video, err := w.generator.Generate(runCtx, payload.RequestID, payload.Request, track)
	if err != nil {
		if w.stop.Err() != nil {
			logger.Warn().Err(err).Msg("generation interrupted by shutdown")
			w.hub.BroadcastError(payload.RequestID, response.CodeServiceError, "generation interrupted; submitted renders are resumed after restart")
			return nil
		}
		if ctx.Err() != nil && w.handOff(logger, model.ResumeTaskPayload{
			JobID:     track.jobID,
			RequestID: payload.RequestID,
			Handoff:   1,
		}) {
			return nil
		}
		logger.Error().Err(err).Msg("generation failed")
		w.hub.BroadcastError(payload.RequestID, service.ErrorCode(err), err.Error())
		return err
	}

	logger.Info().Str("video_id", video.JobID).Msg("generation completed")
	w.hub.BroadcastComplete(payload.RequestID, video)
	return nil
}

// ProcessResume handles video:resume. Subscribers follow a resumed job by
// its originating request id when the job was handed off, otherwise by its
// video id.
func (w *GenerationWorker) ProcessResume(ctx context.Context, t *asynq.Task) error {
	var payload model.ResumeTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal resume payload: %v: %w", err, asynq.SkipRetry)
	}

	subscriber := payload.RequestID
	if subscriber == "" {
		subscriber = payload.JobID
	}
	logger := log.With().Str("video_id", payload.JobID).Str("request_id", subscriber).Logger()

	runCtx, cancel := w.runContext(ctx)
	defer cancel()

	video, err := w.generator.Resume(runCtx, payload.JobID, w.newTracker(subscriber, payload.JobID))
	if err != nil {
		if w.stop.Err() != nil {
			logger.Warn().Err(err).Msg("resume interrupted by shutdown")
			return nil
		}
		if ctx.Err() != nil && w.handOff(logger, model.ResumeTaskPayload{
			JobID:     payload.JobID,
			RequestID: subscriber,
			Handoff:   payload.Handoff + 1,
		}) {
			return nil
		}
		logger.Error().Err(err).Msg("resume failed")
		w.hub.BroadcastError(subscriber, service.ErrorCode(err), err.Error())
		return err
	}

	w.hub.BroadcastComplete(subscriber, video)
	return nil
}
