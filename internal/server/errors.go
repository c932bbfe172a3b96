package server

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/spotproxy/internal/errors"
)

// ErrorDetail is the body of every error response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorDetail under "error".
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

func errorBody(code, msg string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: code, Message: msg}}
}

// op names the resource an endpoint serves and the code reported for
// unclassified failures.
type op struct {
	resource string
	code     string
}

// statusFor maps an error kind to the HTTP status and error code.
func statusFor(o op, err error) (int, string) {
	switch perrors.KindOf(err) {
	case perrors.KindTokenInvalid:
		return fiber.StatusUnauthorized, "TOKEN_ERROR"
	case perrors.KindNotFound:
		if o.resource == "" {
			return fiber.StatusNotFound, "NOT_FOUND"
		}
		return fiber.StatusNotFound, strings.ToUpper(o.resource) + "_NOT_FOUND"
	case perrors.KindRateLimited:
		return fiber.StatusTooManyRequests, "RATE_LIMITED"
	case perrors.KindValidation:
		return fiber.StatusBadRequest, "VALIDATION_ERROR"
	case perrors.KindNetwork:
		return fiber.StatusBadGateway, "UPSTREAM_UNAVAILABLE"
	case perrors.KindAcquisition:
		return fiber.StatusServiceUnavailable, "TOKEN_ERROR"
	}
	return fiber.StatusInternalServerError, o.code
}

// fail writes err as an error response.
func fail(c *fiber.Ctx, o op, err error) error {
	status, code := statusFor(o, err)

	msg := err.Error()
	var apiErr *perrors.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	if status == fiber.StatusNotFound && o.resource != "" && c.Params("id") != "" {
		msg = o.resource + " " + c.Params("id") + " not found"
	}
	return c.Status(status).JSON(errorBody(code, msg))
}
