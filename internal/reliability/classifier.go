// Package reliability classifies upstream failures.
package reliability

import "net/http"

// IsRetryableHTTPStatus reports whether repeating a request that failed with
// code may succeed.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
