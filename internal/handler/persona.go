package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/voiceavatar/api/internal/audio"
	"github.com/voiceavatar/api/internal/catalog"
	"github.com/voiceavatar/api/internal/model"
	"github.com/voiceavatar/api/pkg/response"
)

const maxImageSize = 10 * 1024 * 1024 // 10MB

// PersonaCatalog lists selectable personas and voices and registers uploads
type PersonaCatalog interface {
	Personas() []model.Persona
	Voices() []model.Voice
	RegisterCustom(ctx context.Context, label string, image []byte) (*model.Persona, error)
}

type customPersonaForm struct {
	Label string `form:"label" validate:"required,max=80"`
}

type PersonaHandler struct {
	catalog   PersonaCatalog
	validator *validator.Validate
}

func NewPersonaHandler(c PersonaCatalog, v *validator.Validate) *PersonaHandler {
	return &PersonaHandler{
		catalog:   c,
		validator: v,
	}
}

// List handles GET /api/personas
// @Summary      List personas
// @Tags         Personas
// @Produce      json
// @Success      200 {object} model.PersonaListResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/personas [get]
func (h *PersonaHandler) List(c *fiber.Ctx) error {
	return response.OK(c, model.PersonaListResponse{Personas: h.catalog.Personas()})
}

// Voices handles GET /api/voices
// @Summary      List preset voices
// @Tags         Personas
// @Produce      json
// @Success      200 {object} model.VoiceListResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/voices [get]
func (h *PersonaHandler) Voices(c *fiber.Ctx) error {
	return response.OK(c, model.VoiceListResponse{Voices: h.catalog.Voices()})
}

// CreateCustom handles POST /api/personas/custom
// @Summary      Register a custom persona
// @Description  Upload a portrait image that the provider animates as a talking photo
// @Tags         Personas
// @Accept       multipart/form-data
// @Produce      json
// @Param        label formData string true "Display label"
// @Param        image formData file   true "Portrait image (JPEG or PNG; max 10MB)"
// @Success      201 {object} model.Persona
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/personas/custom [post]
func (h *PersonaHandler) CreateCustom(c *fiber.Ctx) error {
	var form customPersonaForm
	if err := c.BodyParser(&form); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	form.Label = strings.TrimSpace(form.Label)

	if err := h.validator.Struct(&form); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	file, err := c.FormFile("image")
	if err != nil {
		return response.ValidationError(c, "Image is required", nil)
	}
	if file.Size > maxImageSize {
		return response.ValidationError(c, "Image exceeds 10MB limit", map[string]interface{}{
			"maxSize":  maxImageSize,
			"fileSize": file.Size,
		})
	}

	data, err := readFormFile(file)
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}

	// trust the bytes, not the client's header
	if detected := audio.DetectMIME(data); detected != "image/jpeg" && detected != "image/png" {
		return response.ValidationError(c, "Invalid file type. Supported: JPEG, PNG", map[string]interface{}{
			"contentType": detected,
		})
	}

	persona, err := h.catalog.RegisterCustom(c.UserContext(), form.Label, data)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidLabel) {
			return response.ValidationError(c, err.Error(), fiber.Map{"field": "label"})
		}
		return writeError(c, err)
	}

	return response.Created(c, persona)
}
