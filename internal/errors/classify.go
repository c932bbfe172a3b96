package errors

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const upstreamService = "spotify"

// Classify maps an upstream response onto the taxonomy. It returns nil when
// the response is a success: a 2xx/3xx status with no error envelope.
//
// Order: HTTP 401, then the JSON envelope {"error":{"status","message"}}
// (falling back to the HTTP status when the envelope has none), then the raw
// HTTP status for bodies that are not JSON.
func Classify(status int, body []byte, endpoint string) error {
	if status == http.StatusUnauthorized {
		return NewAPIError(KindTokenInvalid, upstreamService, status, "Invalid or expired token")
	}

	if len(body) > 0 && gjson.ValidBytes(body) {
		envelope := gjson.GetBytes(body, "error")
		errStatus := status
		message := ""
		switch {
		case envelope.IsObject():
			if s := envelope.Get("status"); s.Exists() {
				errStatus = int(s.Int())
			}
			message = envelope.Get("message").String()
		case envelope.Type == gjson.String:
			message = envelope.String()
		}

		if envelope.Exists() || errStatus >= 400 {
			if err := classifyStatus(errStatus, message, endpoint); err != nil {
				return err
			}
		}
		if status >= 400 || envelope.Exists() {
			return unclassified(errStatus, message)
		}
		return nil
	}

	if err := classifyStatus(status, "", endpoint); err != nil {
		return err
	}
	if status >= 400 {
		return unclassified(status, http.StatusText(status))
	}
	return nil
}

func classifyStatus(status int, message, endpoint string) error {
	if status == http.StatusUnauthorized {
		return NewAPIError(KindTokenInvalid, upstreamService, status, "Invalid or expired token")
	}
	if status == http.StatusNotFound {
		return NewAPIError(KindNotFound, upstreamService, status, "Resource not found: "+endpoint)
	}
	if strings.Contains(strings.ToLower(message), "invalid id") {
		return NewAPIError(KindNotFound, upstreamService, status, "Invalid ID: "+endpoint)
	}
	switch status {
	case http.StatusTooManyRequests:
		return NewAPIError(KindRateLimited, upstreamService, status, "Too many requests")
	case http.StatusBadRequest:
		if message == "" {
			message = "Invalid request"
		}
		return NewAPIError(KindValidation, upstreamService, status, message)
	}
	return nil
}

func unclassified(status int, message string) error {
	if message == "" {
		message = "Request failed"
	}
	return NewAPIError(KindUnclassified, upstreamService, status, message)
}
