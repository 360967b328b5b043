package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for the request pipeline. The dispatcher maps each of these
// onto an OpenAI-style error envelope at the edge; everything recoverable
// (cooldowns, single pre-relay retries) is handled before one of these
// surfaces to the client.
var (
	errNoAvailableAccount = errors.New("no available upstream account")
	errInvalidRequest     = errors.New("invalid request")
	errUpstream           = errors.New("upstream error")
	errAuthRejected       = errors.New("upstream rejected credentials")
	errRateLimited        = errors.New("upstream rate limited")
)

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, errNoAvailableAccount):
		return http.StatusServiceUnavailable
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errAuthRejected):
		return http.StatusBadGateway
	case errors.Is(err, errUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorTypeFor(err error) string {
	switch {
	case errors.Is(err, errInvalidRequest):
		return "invalid_request_error"
	case errors.Is(err, errRateLimited):
		return "rate_limit_error"
	default:
		return "upstream_error"
	}
}

func invalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}
