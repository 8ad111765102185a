package model

import "time"

// RenderJob is the durable history record of one remote render, keyed by the
// provider-assigned video id.
type RenderJob struct {
	ID              string    `json:"id"`
	Status          JobStatus `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	ResultURL       *string   `json:"resultUrl"`
	ThumbnailURL    *string   `json:"thumbnailUrl"`
	DurationSeconds *float64  `json:"durationSeconds"`
	PersonaLabel    string    `json:"personaLabel"`
	VoiceLabel      string    `json:"voiceLabel"`
	TranscriptText  string    `json:"transcriptText,omitempty"`
	RecordingURL    string    `json:"recordingUrl,omitempty"`
}

// JobUpdate carries the mutable fields of a RenderJob. Nil fields are left as is.
type JobUpdate struct {
	Status          *JobStatus
	ResultURL       *string
	ThumbnailURL    *string
	DurationSeconds *float64
}

// Apply copies the non-nil fields of u onto job
func (u JobUpdate) Apply(job *RenderJob) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.ResultURL != nil {
		v := *u.ResultURL
		job.ResultURL = &v
	}
	if u.ThumbnailURL != nil {
		v := *u.ThumbnailURL
		job.ThumbnailURL = &v
	}
	if u.DurationSeconds != nil {
		v := *u.DurationSeconds
		job.DurationSeconds = &v
	}
}

// Clone returns a deep copy so callers cannot alias stored pointers
func (j *RenderJob) Clone() *RenderJob {
	if j == nil {
		return nil
	}
	out := *j
	if j.ResultURL != nil {
		v := *j.ResultURL
		out.ResultURL = &v
	}
	if j.ThumbnailURL != nil {
		v := *j.ThumbnailURL
		out.ThumbnailURL = &v
	}
	if j.DurationSeconds != nil {
		v := *j.DurationSeconds
		out.DurationSeconds = &v
	}
	return &out
}

// PlayableVideo is the successful result of a generation
type PlayableVideo struct {
	JobID           string  `json:"jobId"`
	URL             string  `json:"url"`
	ThumbnailURL    string  `json:"thumbnailUrl,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// GenerateTaskPayload is the queued form of a generation request
type GenerateTaskPayload struct {
	RequestID string        `json:"requestId"`
	Request   RenderRequest `json:"request"`
}

// ResumeTaskPayload asks a worker to keep polling an interrupted job.
// RequestID is set when the job is handed off from a running generation so
// its subscribers keep receiving events; Handoff counts those hand-offs.
type ResumeTaskPayload struct {
	JobID     string `json:"jobId"`
	RequestID string `json:"requestId,omitempty"`
	Handoff   int    `json:"handoff,omitempty"`
}

// GenerateStartResponse is returned when a generation has been queued
type GenerateStartResponse struct {
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobListResponse wraps the history listing
type JobListResponse struct {
	Jobs  []*RenderJob `json:"jobs"`
	Total int          `json:"total"`
}
