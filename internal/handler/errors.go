package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/service"
	"github.com/voiceavatar/api/pkg/response"
)

// writeError maps a service-layer error onto the API error envelope
func writeError(c *fiber.Ctx, err error) error {
	code := service.ErrorCode(err)

	var validation *service.ValidationError
	if errors.As(err, &validation) {
		return response.ValidationError(c, validation.Error(), fiber.Map{"field": validation.Field})
	}

	switch code {
	case response.CodeNotFound:
		return response.NotFound(c, err.Error())
	case response.CodeConflict:
		return response.Conflict(c, err.Error())
	case response.CodeJobFailed:
		return response.JobFailed(c, err.Error())
	case response.CodeTransportError:
		return response.TransportBlocked(c, err.Error())
	case response.CodeProviderError:
		return response.ProviderError(c, err.Error())
	case response.CodeTimeout:
		return response.Timeout(c, err.Error())
	}

	log.Ctx(c.UserContext()).Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return response.ServiceError(c, "Internal service error")
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}
