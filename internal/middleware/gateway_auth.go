package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/pkg/response"
)

// HeaderGatewaySecret carries the shared secret proving a request passed
// through the gateway
const HeaderGatewaySecret = "X-Gateway-Secret"

// GatewayAuthMiddleware reads the caller from the X-User-* headers set by
// the gateway's ForwardAuth. With a non-empty secret, requests that do not
// present it are rejected before the identity headers are trusted.
func GatewayAuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret != "" && subtle.ConstantTimeCompare([]byte(c.Get(HeaderGatewaySecret)), []byte(secret)) != 1 {
			log.Warn().Str("ip", c.IP()).Str("path", c.Path()).Msg("request bypassed the gateway")
			return response.Unauthorized(c, "Untrusted gateway")
		}

		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		setIdentity(c, userID, c.Get("X-User-Email"), c.Get("X-User-Name"))
		return c.Next()
	}
}
