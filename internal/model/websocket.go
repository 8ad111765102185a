package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// ProgressEvent is emitted on every pipeline transition
type ProgressEvent struct {
	RequestID string    `json:"requestId"`
	JobID     string    `json:"jobId,omitempty"`
	Stage     string    `json:"stage"`
	ElapsedMs int64     `json:"elapsedMs"`
	Status    JobStatus `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage wraps a progress event for subscribers
type WSProgressMessage struct {
	Type string `json:"type"`
	ProgressEvent
}

// WSCompleteMessage represents generation completion
type WSCompleteMessage struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	Result    *PlayableVideo `json:"result"`
}

// WSErrorMessage represents a failed generation
type WSErrorMessage struct {
	Type      string  `json:"type"`
	RequestID string  `json:"requestId"`
	Error     WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
