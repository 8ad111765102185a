package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/audio"
	"github.com/voiceavatar/api/internal/catalog"
	"github.com/voiceavatar/api/internal/client"
	"github.com/voiceavatar/api/internal/clock"
	"github.com/voiceavatar/api/internal/model"
	"github.com/voiceavatar/api/internal/store"
)

const customVoiceLabel = "Custom voice"

// PersonaResolver turns persona selections and voice ids into render inputs
type PersonaResolver interface {
	Resolve(ref model.PersonaRef) (*catalog.Resolved, error)
	HasVoice(id string) bool
	VoiceLabel(id string) string
}

// GenerationOptions are the render and polling parameters
type GenerationOptions struct {
	PollInterval    time.Duration
	RefreshAttempts int
	Width           int
	Height          int
	AspectRatio     string
}

// GenerationService runs the voice-to-avatar pipeline: validate, build the
// voice, submit the render, record it, and poll it to a terminal state.
type GenerationService struct {
	transcriber client.Transcriber
	renderer    client.AvatarRenderer
	jobs        store.Store
	personas    PersonaResolver
	encoder     audio.Encoder
	archive     client.RecordingArchive
	clock       clock.Clock
	opts        GenerationOptions
}

// NewGenerationService wires the pipeline. archive may be nil.
func NewGenerationService(
	transcriber client.Transcriber,
	renderer client.AvatarRenderer,
	jobs store.Store,
	personas PersonaResolver,
	encoder audio.Encoder,
	archive client.RecordingArchive,
	clk clock.Clock,
	opts GenerationOptions,
) *GenerationService {
	if opts.PollInterval <= 0 {
		opts.PollInterval = client.DefaultPollInterval
	}
	if opts.RefreshAttempts <= 0 {
		opts.RefreshAttempts = 1
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1280, 720
	}
	if clk == nil {
		clk = clock.New()
	}
	return &GenerationService{
		transcriber: transcriber,
		renderer:    renderer,
		jobs:        jobs,
		personas:    personas,
		encoder:     encoder,
		archive:     archive,
		clock:       clk,
		opts:        opts,
	}
}

// run carries the per-generation correlation data through the pipeline
type run struct {
	requestID string
	jobID     string
	start     time.Time
	sink      ProgressSink
}

func (s *GenerationService) emit(r *run, stage string, status model.JobStatus, message string) {
	r.sink.Notify(model.ProgressEvent{
		RequestID: r.requestID,
		JobID:     r.jobID,
		Stage:     stage,
		ElapsedMs: s.clock.Now().Sub(r.start).Milliseconds(),
		Status:    status,
		Message:   message,
	})
}

// Validate checks the request without touching any provider
func (s *GenerationService) Validate(req *model.RenderRequest) (*catalog.Resolved, error) {
	if req.Audio.Empty() {
		return nil, &ValidationError{Field: "audio"}
	}
	if req.Persona.Empty() {
		return nil, &ValidationError{Field: "persona"}
	}
	if req.VoiceMode == "" {
		return nil, &ValidationError{Field: "voiceMode"}
	}

	switch req.VoiceMode {
	case model.VoiceModePreset:
		if strings.TrimSpace(req.PresetVoiceID) == "" {
			return nil, &ValidationError{Field: "presetVoiceId", Reason: "is required for preset voice mode"}
		}
		if !s.personas.HasVoice(req.PresetVoiceID) {
			return nil, &ValidationError{Field: "presetVoiceId", Reason: "does not match a known voice"}
		}
	case model.VoiceModeCustom:
	default:
		return nil, &ValidationError{Field: "voiceMode", Reason: fmt.Sprintf("must be one of %v", model.ValidVoiceModes)}
	}

	resolved, err := s.personas.Resolve(req.Persona)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownPersona) {
			return nil, &ValidationError{Field: "persona", Reason: "does not match a known persona"}
		}
		return nil, err
	}
	return resolved, nil
}

// Generate runs one generation to a terminal state. Cancelling ctx stops the
// local work only: a render that was already submitted keeps its processing
// record and can be picked up again with Resume.
func (s *GenerationService) Generate(ctx context.Context, requestID string, req model.RenderRequest, sink ProgressSink) (*model.PlayableVideo, error) {
	if sink == nil {
		sink = Discard
	}
	r := &run{requestID: requestID, start: s.clock.Now(), sink: sink}

	persona, err := s.Validate(&req)
	if err != nil {
		return nil, err
	}
	s.emit(r, model.StageValidating, "", "")

	voice, voiceLabel, transcript, err := s.buildVoice(ctx, r, &req)
	if err != nil {
		return nil, err
	}

	recordingURL := s.archiveRecording(ctx, requestID, req.Audio)

	spec := model.RenderSpec{
		Character:   persona.Character,
		Voice:       voice,
		Width:       s.opts.Width,
		Height:      s.opts.Height,
		AspectRatio: s.opts.AspectRatio,
	}

	s.emit(r, model.StageSubmitting, "", "")
	videoID, err := s.renderer.SubmitRender(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("submit render: %w", err)
	}
	r.jobID = videoID

	job := &model.RenderJob{
		ID:             videoID,
		Status:         model.JobStatusProcessing,
		CreatedAt:      s.clock.Now().UTC(),
		PersonaLabel:   persona.Label,
		VoiceLabel:     voiceLabel,
		TranscriptText: transcript,
		RecordingURL:   recordingURL,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Str("video_id", videoID).Msg("failed to record submitted render")
		return nil, err
	}
	s.emit(r, model.StageSubmitted, model.JobStatusProcessing, "")

	log.Info().
		Str("request_id", requestID).
		Str("video_id", videoID).
		Str("voice_mode", string(req.VoiceMode)).
		Msg("render submitted")

	return s.track(ctx, r)
}

func (s *GenerationService) buildVoice(ctx context.Context, r *run, req *model.RenderRequest) (model.VoiceConfig, string, string, error) {
	if req.VoiceMode == model.VoiceModePreset {
		s.emit(r, model.StageTranscribing, "", "")
		text, err := s.transcriber.Transcribe(ctx, req.Audio.Data)
		if err != nil {
			return nil, "", "", fmt.Errorf("transcribe recording: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			return nil, "", "", &ValidationError{Field: "audio", Reason: "contains no recognizable speech"}
		}
		voice := model.TextVoice{VoiceID: req.PresetVoiceID, Text: text}
		return voice, s.personas.VoiceLabel(req.PresetVoiceID), text, nil
	}

	s.emit(r, model.StageEncoding, "", "")
	wav, err := s.encoder.Encode(ctx, req.Audio)
	if err != nil {
		return nil, "", "", fmt.Errorf("encode recording: %w", err)
	}

	s.emit(r, model.StageUploading, "", "")
	asset, err := s.renderer.UploadAsset(ctx, wav.Data, client.AssetKindAudio)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", "", ctx.Err()
		}
		if client.IsTransport(err) {
			return nil, "", "", &TransportBlockedError{Op: "custom voice upload", Err: err}
		}
		return nil, "", "", fmt.Errorf("upload custom voice: %w", err)
	}
	return model.AudioVoice{AssetID: asset.ID}, customVoiceLabel, "", nil
}

// archiveRecording keeps a copy of the raw recording. Failures only lose the
// copy, never the generation.
func (s *GenerationService) archiveRecording(ctx context.Context, requestID string, rec model.Recording) string {
	if s.archive == nil {
		return ""
	}
	contentType := rec.MIMEType
	if contentType == "" {
		contentType = audio.DetectMIME(rec.Data)
	}
	key := "recordings/" + requestID + extensionFor(contentType)

	url, err := s.archive.Put(ctx, key, rec.Data, contentType)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("failed to archive recording")
		return ""
	}
	return url
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "wav"):
		return ".wav"
	case strings.Contains(contentType, "webm"):
		return ".webm"
	case strings.Contains(contentType, "ogg"):
		return ".ogg"
	case strings.Contains(contentType, "mpeg"):
		return ".mp3"
	case strings.Contains(contentType, "mp4"), strings.Contains(contentType, "aac"):
		return ".m4a"
	default:
		return ".bin"
	}
}

// pollState is the local view of a submitted render
type pollState int

const (
	stateSubmitted pollState = iota
	statePolling
	stateCompleted
	stateFailed
)

func (p pollState) String() string {
	switch p {
	case stateSubmitted:
		return "submitted"
	case statePolling:
		return "polling"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// track polls r.jobID until the provider reports a terminal status. There is
// no attempt cap; every GetStatus error is logged, reported as poll_retry and
// retried after the same interval.
func (s *GenerationService) track(ctx context.Context, r *run) (*model.PlayableVideo, error) {
	state := stateSubmitted
	attempt := 0
	var last *client.RenderStatus

	for {
		switch state {
		case stateSubmitted:
			state = statePolling
			continue

		case statePolling:
			attempt++
			status, err := s.renderer.GetStatus(ctx, r.jobID)
			switch {
			case err != nil && ctx.Err() != nil:
				return nil, ctx.Err()
			case err != nil:
				log.Warn().Err(err).Str("video_id", r.jobID).Int("attempt", attempt).Msg("render status poll failed, retrying")
				s.emit(r, model.StagePollRetry, model.JobStatusProcessing, err.Error())
			case status.Status == model.JobStatusCompleted:
				last, state = status, stateCompleted
				continue
			case status.Status == model.JobStatusFailed:
				last, state = status, stateFailed
				continue
			default:
				s.emit(r, model.StageRendering, model.JobStatusProcessing, "")
			}

			select {
			case <-ctx.Done():
				log.Info().Str("video_id", r.jobID).Int("attempt", attempt).Msg("stopped tracking render, job left processing")
				return nil, ctx.Err()
			case <-s.clock.After(s.opts.PollInterval):
			}

		case stateCompleted:
			return s.complete(ctx, r, last)

		case stateFailed:
			return nil, s.fail(ctx, r, last)

		default:
			return nil, fmt.Errorf("render %s: invalid poll state %s", r.jobID, state)
		}
	}
}

func completedUpdate(status *client.RenderStatus) model.JobUpdate {
	completed := model.JobStatusCompleted
	u := model.JobUpdate{
		Status:          &completed,
		ResultURL:       &status.VideoURL,
		DurationSeconds: &status.DurationSeconds,
	}
	if status.ThumbnailURL != "" {
		u.ThumbnailURL = &status.ThumbnailURL
	}
	return u
}

func failedUpdate() model.JobUpdate {
	failed := model.JobStatusFailed
	return model.JobUpdate{Status: &failed}
}

func (s *GenerationService) complete(ctx context.Context, r *run, status *client.RenderStatus) (*model.PlayableVideo, error) {
	applied, err := s.jobs.Finish(ctx, r.jobID, completedUpdate(status))
	if err != nil {
		return nil, err
	}
	if !applied {
		log.Debug().Str("video_id", r.jobID).Msg("record already final, keeping stored result")
	}
	s.emit(r, model.StageCompleted, model.JobStatusCompleted, "")

	log.Info().Str("request_id", r.requestID).Str("video_id", r.jobID).Msg("render completed")

	return &model.PlayableVideo{
		JobID:           r.jobID,
		URL:             status.VideoURL,
		ThumbnailURL:    status.ThumbnailURL,
		DurationSeconds: status.DurationSeconds,
	}, nil
}

func (s *GenerationService) fail(ctx context.Context, r *run, status *client.RenderStatus) error {
	applied, err := s.jobs.Finish(ctx, r.jobID, failedUpdate())
	if err != nil {
		return err
	}
	if !applied {
		log.Debug().Str("video_id", r.jobID).Msg("record already final, keeping stored status")
	}
	s.emit(r, model.StageFailed, model.JobStatusFailed, status.Error)

	log.Warn().Str("request_id", r.requestID).Str("video_id", r.jobID).Str("detail", status.Error).Msg("render failed")

	return &RenderFailedError{JobID: r.jobID, Detail: status.Error}
}

// Resume continues tracking a job whose poll loop was interrupted. Terminal
// records are answered from history without calling the provider.
func (s *GenerationService) Resume(ctx context.Context, jobID string, sink ProgressSink) (*model.PlayableVideo, error) {
	if sink == nil {
		sink = Discard
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &store.NotFoundError{ID: jobID}
	}

	switch job.Status {
	case model.JobStatusCompleted:
		return playableFromJob(job), nil
	case model.JobStatusFailed:
		return nil, &RenderFailedError{JobID: jobID}
	}

	log.Info().Str("video_id", jobID).Time("created_at", job.CreatedAt).Msg("resuming render tracking")

	r := &run{requestID: jobID, jobID: jobID, start: job.CreatedAt, sink: sink}
	return s.track(ctx, r)
}

// Refresh reconciles one processing record with the provider using the
// bounded wait. A record that is already terminal is returned unchanged, and
// a render still in progress after the attempt ceiling stays processing. When
// a running generation finishes the record first, its result is kept.
func (s *GenerationService) Refresh(ctx context.Context, jobID string) (*model.RenderJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &store.NotFoundError{ID: jobID}
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	status, err := s.renderer.WaitForVideo(ctx, jobID, s.opts.RefreshAttempts)
	var timeout *client.TimeoutError
	switch {
	case err == nil:
		if _, err := s.jobs.Finish(ctx, jobID, completedUpdate(status)); err != nil {
			return nil, err
		}
	case errors.Is(err, client.ErrRenderFailed):
		if _, err := s.jobs.Finish(ctx, jobID, failedUpdate()); err != nil {
			return nil, err
		}
	case errors.As(err, &timeout):
		log.Debug().Str("video_id", jobID).Int("attempts", timeout.Attempts).Msg("render still processing")
		return job, nil
	default:
		return nil, err
	}

	return s.jobs.GetByID(ctx, jobID)
}

func playableFromJob(job *model.RenderJob) *model.PlayableVideo {
	v := &model.PlayableVideo{JobID: job.ID}
	if job.ResultURL != nil {
		v.URL = *job.ResultURL
	}
	if job.ThumbnailURL != nil {
		v.ThumbnailURL = *job.ThumbnailURL
	}
	if job.DurationSeconds != nil {
		v.DurationSeconds = *job.DurationSeconds
	}
	return v
}
