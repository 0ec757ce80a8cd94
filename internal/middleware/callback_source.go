package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// CallbackSourceMiddleware only lets webhook deliveries from allowed IPs
// through. Other sources get the normal acknowledgment, written by ack, so
// the gateway contract holds either way. An empty list allows everyone.
func CallbackSourceMiddleware(allowed []string, ack fiber.Handler) fiber.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, ip := range allowed {
		set[ip] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		if len(set) == 0 {
			return c.Next()
		}
		if _, ok := set[c.IP()]; ok {
			return c.Next()
		}

		log.Warn().Str("ip", c.IP()).Msg("[Mpesa] callback from unlisted source ignored")
		return ack(c)
	}
}
