package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/clock"
	"github.com/voiceavatar/api/internal/config"
)

const transcriptionProvider = "assemblyai"

// DefaultPollInterval is the fixed wait between status polls
const DefaultPollInterval = 3 * time.Second

// Transcriber turns recorded speech into text
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// TranscriptStatus is the state of a remote transcript
type TranscriptStatus string

const (
	TranscriptQueued     TranscriptStatus = "queued"
	TranscriptProcessing TranscriptStatus = "processing"
	TranscriptCompleted  TranscriptStatus = "completed"
	TranscriptError      TranscriptStatus = "error"
)

// TranscriptResult is one poll of a transcript
type TranscriptResult struct {
	ID     string
	Status TranscriptStatus
	Text   string
	Error  string
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type submitTranscriptRequest struct {
	AudioURL string `json:"audio_url"`
}

type transcriptResponse struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Text   *string `json:"text"`
	Error  *string `json:"error"`
}

// TranscriptionClient talks to an AssemblyAI-compatible speech-to-text API
type TranscriptionClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	clock        clock.Clock
}

// NewTranscriptionClient creates a new speech-to-text client
func NewTranscriptionClient(cfg *config.TranscriptionConfig, clk clock.Clock) *TranscriptionClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TranscriptionClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: interval,
		clock:        clk,
	}
}

// UploadAudio uploads raw audio and returns the provider-hosted URL
func (c *TranscriptionClient) UploadAudio(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/upload", bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var result uploadResponse
	if err := c.do(req, &result); err != nil {
		return "", err
	}
	if result.UploadURL == "" {
		return "", &ProviderError{Provider: transcriptionProvider, Message: "upload response missing upload_url"}
	}
	return result.UploadURL, nil
}

// Submit starts a transcript for audioURL and returns its id
func (c *TranscriptionClient) Submit(ctx context.Context, audioURL string) (string, error) {
	body, err := json.Marshal(submitTranscriptRequest{AudioURL: audioURL})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result transcriptResponse
	if err := c.do(req, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", &ProviderError{Provider: transcriptionProvider, Message: "submit response missing id"}
	}
	return result.ID, nil
}

// Poll fetches the current state of a transcript
func (c *TranscriptionClient) Poll(ctx context.Context, transcriptID string) (*TranscriptResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/transcript/"+transcriptID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result transcriptResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}

	status := TranscriptStatus(result.Status)
	switch status {
	case TranscriptQueued, TranscriptProcessing, TranscriptCompleted, TranscriptError:
	default:
		return nil, &ProviderError{Provider: transcriptionProvider, Message: fmt.Sprintf("unknown transcript status %q", result.Status)}
	}

	out := &TranscriptResult{ID: transcriptID, Status: status}
	if result.Text != nil {
		out.Text = *result.Text
	}
	if result.Error != nil {
		out.Error = *result.Error
	}
	return out, nil
}

// Transcribe uploads audio, submits a transcript and polls until it is
// terminal. There is no attempt cap; transport failures while polling are
// retried after the same interval.
func (c *TranscriptionClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	audioURL, err := c.UploadAudio(ctx, audio)
	if err != nil {
		return "", err
	}

	transcriptID, err := c.Submit(ctx, audioURL)
	if err != nil {
		return "", err
	}

	attempt := 0
	for {
		attempt++
		result, err := c.Poll(ctx, transcriptID)
		switch {
		case err != nil && IsTransport(err):
			log.Warn().Err(err).Str("transcript_id", transcriptID).Int("attempt", attempt).Msg("transcript poll failed, retrying")
		case err != nil:
			return "", err
		case result.Status == TranscriptCompleted:
			return result.Text, nil
		case result.Status == TranscriptError:
			return "", &TranscriptionError{TranscriptID: transcriptID, Detail: result.Error}
		default:
			log.Debug().Str("transcript_id", transcriptID).Int("attempt", attempt).Str("status", string(result.Status)).Msg("transcript pending")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *TranscriptionClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *TranscriptionClient) do(req *http.Request, result interface{}) error {
	req.Header.Set("Authorization", c.apiKey)
	return doJSON(c.httpClient, transcriptionProvider, req, result)
}
