package service

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/client"
	"github.com/voiceavatar/api/internal/model"
	"github.com/voiceavatar/api/internal/store"
)

// HistoryService is the administrative view over the job history
type HistoryService struct {
	jobs    store.Store
	archive client.RecordingArchive
}

// NewHistoryService creates a HistoryService. archive may be nil.
func NewHistoryService(jobs store.Store, archive client.RecordingArchive) *HistoryService {
	return &HistoryService{jobs: jobs, archive: archive}
}

// List returns every job, newest first
func (s *HistoryService) List(ctx context.Context) (*model.JobListResponse, error) {
	jobs, err := s.jobs.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return &model.JobListResponse{Jobs: jobs, Total: len(jobs)}, nil
}

// Get returns one job or *store.NotFoundError
func (s *HistoryService) Get(ctx context.Context, jobID string) (*model.RenderJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &store.NotFoundError{ID: jobID}
	}
	return job, nil
}

// ListProcessing returns the jobs that have not reached a terminal state
func (s *HistoryService) ListProcessing(ctx context.Context) ([]*model.RenderJob, error) {
	jobs, err := s.jobs.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.RenderJob, 0)
	for _, job := range jobs {
		if job.Status == model.JobStatusProcessing {
			out = append(out, job)
		}
	}
	return out, nil
}

// Delete removes a job and its archived recording. The remote render is not
// touched.
func (s *HistoryService) Delete(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		return err
	}
	s.removeRecording(ctx, job)
	return nil
}

// Clear removes every job and archived recording
func (s *HistoryService) Clear(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.jobs.Clear(ctx); err != nil {
		return 0, err
	}
	for _, job := range jobs {
		s.removeRecording(ctx, job)
	}
	log.Info().Int("count", len(jobs)).Msg("job history cleared")
	return len(jobs), nil
}

func (s *HistoryService) removeRecording(ctx context.Context, job *model.RenderJob) {
	if s.archive == nil || job.RecordingURL == "" {
		return
	}
	key, ok := s.archive.KeyFromURL(job.RecordingURL)
	if !ok {
		return
	}
	if err := s.archive.Remove(ctx, key); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Str("key", key).Msg("failed to remove archived recording")
	}
}
