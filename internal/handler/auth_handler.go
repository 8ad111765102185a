package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/voiceavatar/api/internal/auth"
	"github.com/voiceavatar/api/pkg/response"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	verifier  auth.TokenVerifier
	jwtSecret string
	tokenTTL  time.Duration
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification.
// tokenTTL applies to tokens minted by DevToken.
func NewAuthHandler(verifier auth.TokenVerifier, jwtSecret string, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		verifier:  verifier,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// Verify handles GET /auth/verify, called by the gateway's ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	tokenString, ok := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	if h.verifier != nil {
		claims, err := h.verifier.Validate(tokenString)
		if err == nil {
			c.Set("X-User-Id", claims.UserID)
			c.Set("X-User-Email", claims.Email)
			c.Set("X-User-Name", claims.Name)
			return c.SendStatus(fiber.StatusOK)
		}
		if h.jwtSecret == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
	}

	if h.jwtSecret != "" {
		claims, err := auth.ValidateLegacyToken(tokenString, h.jwtSecret)
		if err == nil {
			c.Set("X-User-Id", claims.UserID)
			c.Set("X-User-Email", claims.Email)
			return c.SendStatus(fiber.StatusOK)
		}
	}

	return c.SendStatus(fiber.StatusUnauthorized)
}

type devTokenRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// DevToken handles POST /auth/dev-token and mints an HMAC token for local use.
// It is only mounted outside production.
func (h *AuthHandler) DevToken(c *fiber.Ctx) error {
	var req devTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return response.ValidationError(c, "userId is required", nil)
	}

	token, err := auth.SignLegacyToken(h.jwtSecret, req.UserID, req.Email, h.tokenTTL, time.Now())
	if err != nil {
		return response.ServiceError(c, "Token signing is not configured")
	}

	return response.OK(c, fiber.Map{"token": token})
}
