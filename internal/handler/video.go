package handler

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/audio"
	"github.com/voiceavatar/api/internal/catalog"
	"github.com/voiceavatar/api/internal/model"
	"github.com/voiceavatar/api/pkg/response"
)

const maxRecordingSize = 25 * 1024 * 1024 // 25MB

// RequestValidator checks a generation request before it is queued
type RequestValidator interface {
	Validate(req *model.RenderRequest) (*catalog.Resolved, error)
}

// JobRefresher re-queries the provider for a stored job
type JobRefresher interface {
	Refresh(ctx context.Context, jobID string) (*model.RenderJob, error)
}

// GenerateQueue hands a validated request to the background worker
type GenerateQueue interface {
	EnqueueGenerate(ctx context.Context, requestID string, req model.RenderRequest) error
}

// JobHistory is the read/delete side of the job store
type JobHistory interface {
	List(ctx context.Context) (*model.JobListResponse, error)
	Get(ctx context.Context, jobID string) (*model.RenderJob, error)
	Delete(ctx context.Context, jobID string) error
	Clear(ctx context.Context) (int, error)
}

type videoForm struct {
	VoiceMode     string `form:"voiceMode" validate:"omitempty,oneof=preset custom"`
	PresetVoiceID string `form:"presetVoiceId" validate:"omitempty,max=128"`
	PersonaKind   string `form:"personaKind" validate:"omitempty,oneof=preset custom"`
	PersonaID     string `form:"personaId" validate:"omitempty,max=128"`
}

type VideoHandler struct {
	validator *validator.Validate
	requests  RequestValidator
	refresher JobRefresher
	queue     GenerateQueue
	history   JobHistory
	now       func() time.Time
}

func NewVideoHandler(v *validator.Validate, requests RequestValidator, refresher JobRefresher, queue GenerateQueue, history JobHistory) *VideoHandler {
	return &VideoHandler{
		validator: v,
		requests:  requests,
		refresher: refresher,
		queue:     queue,
		history:   history,
		now:       time.Now,
	}
}

// Create handles POST /api/videos
// @Summary      Generate a talking-avatar video
// @Description  Queue a generation from a voice recording. Progress is streamed on /ws/requests/{requestId}
// @Tags         Videos
// @Accept       multipart/form-data
// @Produce      json
// @Param        audio         formData file   true  "Voice recording (max 25MB)"
// @Param        voiceMode     formData string true  "preset or custom"
// @Param        presetVoiceId formData string false "Voice id, required for preset mode"
// @Param        personaKind   formData string true  "preset or custom"
// @Param        personaId     formData string true  "Persona id"
// @Success      202 {object} model.GenerateStartResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/videos [post]
func (h *VideoHandler) Create(c *fiber.Ctx) error {
	var form videoForm
	if err := c.BodyParser(&form); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&form); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	recording, err := readRecording(c)
	if err != nil {
		return response.ValidationError(c, err.Error(), fiber.Map{"field": "audio"})
	}

	req := model.RenderRequest{
		Audio:         recording,
		VoiceMode:     model.VoiceMode(form.VoiceMode),
		PresetVoiceID: strings.TrimSpace(form.PresetVoiceID),
		Persona: model.PersonaRef{
			Kind: model.PersonaKind(form.PersonaKind),
			ID:   strings.TrimSpace(form.PersonaID),
		},
	}

	if _, err := h.requests.Validate(&req); err != nil {
		return writeError(c, err)
	}

	requestID := uuid.New().String()
	if err := h.queue.EnqueueGenerate(c.UserContext(), requestID, req); err != nil {
		log.Ctx(c.UserContext()).Error().Err(err).Str("request_id", requestID).Msg("failed to queue generation")
		return response.ServiceError(c, "Failed to queue generation")
	}

	log.Ctx(c.UserContext()).Info().
		Str("request_id", requestID).
		Str("voice_mode", string(req.VoiceMode)).
		Str("persona", req.Persona.ID).
		Int("audio_bytes", len(recording.Data)).
		Msg("generation queued")

	return response.Accepted(c, model.GenerateStartResponse{
		RequestID: requestID,
		Status:    "queued",
		CreatedAt: h.now().UTC(),
	})
}

// readRecording loads the audio form file. A missing file yields an empty
// recording so the service reports it with the other field checks.
func readRecording(c *fiber.Ctx) (model.Recording, error) {
	file, err := c.FormFile("audio")
	if err != nil {
		return model.Recording{}, nil
	}
	if file.Size > maxRecordingSize {
		return model.Recording{}, fmt.Errorf("audio exceeds %dMB limit", maxRecordingSize/(1024*1024))
	}

	data, err := readFormFile(file)
	if err != nil {
		return model.Recording{}, fmt.Errorf("audio could not be read")
	}

	mediaType := file.Header.Get(fiber.HeaderContentType)
	if mediaType == "" || mediaType == fiber.MIMEOctetStream {
		mediaType = audio.DetectMIME(data)
	}
	if len(data) > 0 && !isAudioType(mediaType) {
		return model.Recording{}, fmt.Errorf("unsupported audio type %q", mediaType)
	}

	return model.Recording{Data: data, MIMEType: mediaType}, nil
}

func readFormFile(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isAudioType(mediaType string) bool {
	base, _, _ := strings.Cut(strings.ToLower(mediaType), ";")
	base = strings.TrimSpace(base)
	switch {
	case strings.HasPrefix(base, "audio/"):
		return true
	case base == "video/webm", base == "video/ogg", base == "application/ogg":
		// browser recorders label audio-only containers this way
		return true
	}
	return false
}

// List handles GET /api/videos
// @Summary      List generated videos
// @Tags         Videos
// @Produce      json
// @Success      200 {object} model.JobListResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/videos [get]
func (h *VideoHandler) List(c *fiber.Ctx) error {
	result, err := h.history.List(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, result)
}

// Get handles GET /api/videos/:jobId
// @Summary      Get a video job
// @Tags         Videos
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RenderJob
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/videos/{jobId} [get]
func (h *VideoHandler) Get(c *fiber.Ctx) error {
	job, err := h.history.Get(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, job)
}

// Refresh handles POST /api/videos/:jobId/refresh
// @Summary      Re-check a job with the provider
// @Description  Polls the provider a bounded number of times and stores any terminal outcome
// @Tags         Videos
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RenderJob
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/videos/{jobId}/refresh [post]
func (h *VideoHandler) Refresh(c *fiber.Ctx) error {
	job, err := h.refresher.Refresh(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, job)
}

// Delete handles DELETE /api/videos/:jobId
// @Summary      Delete a video job
// @Tags         Videos
// @Param        jobId path string true "Job ID"
// @Success      204 "No Content"
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/videos/{jobId} [delete]
func (h *VideoHandler) Delete(c *fiber.Ctx) error {
	if err := h.history.Delete(c.UserContext(), c.Params("jobId")); err != nil {
		return writeError(c, err)
	}
	return response.NoContent(c)
}

// Clear handles DELETE /api/videos
// @Summary      Delete the whole history
// @Tags         Videos
// @Produce      json
// @Success      200 {object} map[string]int
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/videos [delete]
func (h *VideoHandler) Clear(c *fiber.Ctx) error {
	n, err := h.history.Clear(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return response.OK(c, fiber.Map{"deleted": n})
}
