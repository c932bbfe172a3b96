package server

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/spotproxy/internal/metrics"
	"github.com/p-blackswan/spotproxy/internal/requestid"
)

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// requestIDMiddleware keeps a well-formed incoming X-Request-ID or mints one,
// and carries it on the user context.
func requestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := requestid.Resolve(c.Get(requestid.Header))
		c.Set(requestid.Header, id)
		c.Locals("request_id", id)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), id))
		return c.Next()
	}
}

// accessLogMiddleware logs every API request once it completes and records
// request metrics under the matched route pattern.
func accessLogMiddleware(logger zerolog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		elapsed := time.Since(start)

		route := c.Route().Path
		m.RecordRequest(route, strconv.Itoa(status))
		m.ObserveDuration(route, elapsed.Seconds())

		if isProbe(c.Path()) {
			return err
		}
		l := requestid.Logger(c.UserContext(), logger)
		l.Info().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("api request")
		return err
	}
}
