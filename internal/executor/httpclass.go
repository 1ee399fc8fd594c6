package executor

import "net/http"

// ClassifyHTTPStatus maps a response status code (or -1 for a transport
// failure) onto the executor's retry taxonomy (§4.5, §6: "HTTP 5xx →
// server-error", "HTTP 429 → rate-limited").
func ClassifyHTTPStatus(statusCode int) Class {
	switch {
	case statusCode == -1:
		return ClassTransport
	case statusCode == http.StatusTooManyRequests:
		return ClassRateLimited
	case statusCode >= 500:
		return ClassServerError
	case statusCode >= 400:
		return ClassClientError
	default:
		return ClassSuccess
	}
}
