package model

// JobStatus is the lifecycle state of a render job
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further state change can occur
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known job statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// VoiceMode selects how the avatar speaks
type VoiceMode string

const (
	// VoiceModePreset drives a provider voice with the transcript of the recording
	VoiceModePreset VoiceMode = "preset"
	// VoiceModeCustom uses the recording itself as the voice track
	VoiceModeCustom VoiceMode = "custom"
)

var ValidVoiceModes = []VoiceMode{VoiceModePreset, VoiceModeCustom}

// PersonaKind distinguishes provider avatars from uploaded characters
type PersonaKind string

const (
	PersonaKindPreset PersonaKind = "preset"
	PersonaKindCustom PersonaKind = "custom"
)

// Pipeline stages reported in progress events
const (
	StageValidating   = "validating"
	StageTranscribing = "transcribing"
	StageEncoding     = "encoding"
	StageUploading    = "uploading_audio"
	StageSubmitting   = "submitting"
	StageSubmitted    = "submitted"
	StageRendering    = "rendering"
	StagePollRetry    = "poll_retry"
	StageCompleted    = "completed"
	StageFailed       = "failed"
)
