package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/clock"
	"github.com/voiceavatar/api/internal/config"
	"github.com/voiceavatar/api/internal/model"
)

const avatarProvider = "heygen"

// AvatarRenderer defines the operations of the talking-avatar provider
type AvatarRenderer interface {
	UploadAsset(ctx context.Context, data []byte, kind AssetKind) (*Asset, error)
	SubmitRender(ctx context.Context, spec model.RenderSpec) (string, error)
	GetStatus(ctx context.Context, videoID string) (*RenderStatus, error)
	WaitForVideo(ctx context.Context, videoID string, maxAttempts int) (*RenderStatus, error)
}

// AssetKind selects how an uploaded asset will be used
type AssetKind string

const (
	AssetKindImage AssetKind = "image"
	AssetKindAudio AssetKind = "audio"
)

// Asset is an uploaded provider asset
type Asset struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// RenderStatus is one poll of a render job. URLs and duration are only set
// when Status is completed.
type RenderStatus struct {
	VideoID         string
	Status          model.JobStatus
	VideoURL        string
	ThumbnailURL    string
	DurationSeconds float64
	Error           string
}

type characterPayload struct {
	Type           string `json:"type"`
	AvatarID       string `json:"avatar_id,omitempty"`
	AvatarStyle    string `json:"avatar_style,omitempty"`
	TalkingPhotoID string `json:"talking_photo_id,omitempty"`
}

type voicePayload struct {
	Type         string `json:"type"`
	InputText    string `json:"input_text,omitempty"`
	VoiceID      string `json:"voice_id,omitempty"`
	AudioAssetID string `json:"audio_asset_id,omitempty"`
}

type videoInput struct {
	Character characterPayload `json:"character"`
	Voice     voicePayload     `json:"voice"`
}

type dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type generateVideoRequest struct {
	VideoInputs []videoInput `json:"video_inputs"`
	Dimension   dimension    `json:"dimension"`
	AspectRatio string       `json:"aspect_ratio,omitempty"`
}

type generateVideoResponse struct {
	VideoID string `json:"video_id"`
}

type videoStatusResponse struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	VideoURL     *string         `json:"video_url"`
	ThumbnailURL *string         `json:"thumbnail_url"`
	Duration     *float64        `json:"duration"`
	Error        json.RawMessage `json:"error"`
}

// envelope is the {code, data, error} wrapper HeyGen puts around payloads
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error json.RawMessage `json:"error"`
}

// AvatarClient implements AvatarRenderer for a HeyGen-compatible API
type AvatarClient struct {
	httpClient   *http.Client
	baseURL      string
	uploadURL    string
	apiKey       string
	pollInterval time.Duration
	clock        clock.Clock
}

// NewAvatarClient creates a new avatar render client
func NewAvatarClient(cfg *config.AvatarConfig, clk clock.Clock) *AvatarClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	uploadURL := cfg.UploadURL
	if uploadURL == "" {
		uploadURL = cfg.BaseURL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &AvatarClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		uploadURL:    strings.TrimRight(uploadURL, "/"),
		apiKey:       cfg.APIKey,
		pollInterval: interval,
		clock:        clk,
	}
}

// UploadAsset posts the raw bytes (not multipart) with a content type derived
// from kind and the sniffed encoding.
func (c *AvatarClient) UploadAsset(ctx context.Context, data []byte, kind AssetKind) (*Asset, error) {
	contentType, err := assetContentType(data, kind)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/v1/asset", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var asset Asset
	if err := c.do(req, &asset); err != nil {
		return nil, err
	}
	if asset.ID == "" {
		return nil, &ProviderError{Provider: avatarProvider, Message: "asset response missing id"}
	}
	return &asset, nil
}

// SubmitRender starts a render and returns the provider video id
func (c *AvatarClient) SubmitRender(ctx context.Context, spec model.RenderSpec) (string, error) {
	input, err := buildVideoInput(spec)
	if err != nil {
		return "", err
	}
	payload := generateVideoRequest{
		VideoInputs: []videoInput{input},
		Dimension:   dimension{Width: spec.Width, Height: spec.Height},
		AspectRatio: spec.AspectRatio,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/video/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var result generateVideoResponse
	if err := c.do(req, &result); err != nil {
		return "", err
	}
	if result.VideoID == "" {
		return "", &ProviderError{Provider: avatarProvider, Message: "generate response missing video_id"}
	}
	return result.VideoID, nil
}

// GetStatus performs a single status call. It never loops.
func (c *AvatarClient) GetStatus(ctx context.Context, videoID string) (*RenderStatus, error) {
	endpoint := c.baseURL + "/v1/video_status.get?video_id=" + url.QueryEscape(videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result videoStatusResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return toRenderStatus(videoID, &result)
}

// WaitForVideo polls until the render is terminal or maxAttempts status calls
// have been made. Failed calls count as attempts and are retried.
func (c *AvatarClient) WaitForVideo(ctx context.Context, videoID string, maxAttempts int) (*RenderStatus, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := c.GetStatus(ctx, videoID)
		if err != nil {
			log.Warn().Err(err).Str("video_id", videoID).Int("attempt", attempt).Msg("video status poll failed")
		} else {
			switch status.Status {
			case model.JobStatusCompleted:
				return status, nil
			case model.JobStatusFailed:
				return status, fmt.Errorf("video %s: %w: %s", videoID, ErrRenderFailed, status.Error)
			}
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
	return nil, &TimeoutError{VideoID: videoID, Attempts: maxAttempts}
}

// IsConfigured returns true if the client has valid configuration
func (c *AvatarClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *AvatarClient) do(req *http.Request, result interface{}) error {
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	var raw json.RawMessage
	if err := doJSON(c.httpClient, avatarProvider, req, &raw); err != nil {
		return err
	}
	return unwrapEnvelope(raw, result)
}

// unwrapEnvelope decodes {data: ...} when present, the bare body otherwise
func unwrapEnvelope(raw json.RawMessage, result interface{}) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &ProviderError{Provider: avatarProvider, Message: fmt.Sprintf("failed to unmarshal response: %v", err)}
	}

	payload := []byte(raw)
	if len(env.Data) > 0 && string(env.Data) != "null" {
		payload = env.Data
	} else if len(env.Error) > 0 && string(env.Error) != "null" {
		return &ProviderError{Provider: avatarProvider, Message: errorMessage(raw)}
	}

	if err := json.Unmarshal(payload, result); err != nil {
		return &ProviderError{Provider: avatarProvider, Message: fmt.Sprintf("failed to unmarshal response: %v", err)}
	}
	return nil
}

func toRenderStatus(videoID string, result *videoStatusResponse) (*RenderStatus, error) {
	status := &RenderStatus{VideoID: videoID}

	switch strings.ToLower(result.Status) {
	case "pending", "waiting", "processing":
		status.Status = model.JobStatusProcessing
	case "completed":
		status.Status = model.JobStatusCompleted
		if result.VideoURL == nil || *result.VideoURL == "" {
			return nil, &ProviderError{Provider: avatarProvider, Message: "completed status missing video_url"}
		}
		status.VideoURL = *result.VideoURL
		if result.ThumbnailURL != nil {
			status.ThumbnailURL = *result.ThumbnailURL
		}
		if result.Duration != nil {
			status.DurationSeconds = *result.Duration
		}
	case "failed":
		status.Status = model.JobStatusFailed
		if len(result.Error) > 0 && string(result.Error) != "null" {
			status.Error = errorMessage([]byte(`{"error":` + string(result.Error) + `}`))
		}
	default:
		return nil, &ProviderError{Provider: avatarProvider, Message: fmt.Sprintf("unknown video status %q", result.Status)}
	}
	return status, nil
}

func buildVideoInput(spec model.RenderSpec) (videoInput, error) {
	var input videoInput

	switch ch := spec.Character.(type) {
	case model.AvatarCharacter:
		style := ch.Style
		if style == "" {
			style = "normal"
		}
		input.Character = characterPayload{Type: "avatar", AvatarID: ch.AvatarID, AvatarStyle: style}
	case model.TalkingPhotoCharacter:
		input.Character = characterPayload{Type: "talking_photo", TalkingPhotoID: ch.TalkingPhotoID}
	default:
		return input, fmt.Errorf("unsupported character spec %T", spec.Character)
	}

	switch v := spec.Voice.(type) {
	case model.TextVoice:
		input.Voice = voicePayload{Type: "text", InputText: v.Text, VoiceID: v.VoiceID}
	case model.AudioVoice:
		input.Voice = voicePayload{Type: "audio", AudioAssetID: v.AssetID}
	default:
		return input, fmt.Errorf("unsupported voice config %T", spec.Voice)
	}
	return input, nil
}

// assetContentType negotiates the upload content type. Images keep their
// sniffed MIME; audio is sent as WAV unless it is already MP3.
func assetContentType(data []byte, kind AssetKind) (string, error) {
	detected := mimetype.Detect(data)

	switch kind {
	case AssetKindImage:
		if !strings.HasPrefix(detected.String(), "image/") {
			return "", fmt.Errorf("asset is not an image (detected %s)", detected.String())
		}
		return detected.String(), nil
	case AssetKindAudio:
		if detected.Is("audio/mpeg") {
			return "audio/mpeg", nil
		}
		return "audio/wav", nil
	default:
		return "", fmt.Errorf("unknown asset kind %q", kind)
	}
}
