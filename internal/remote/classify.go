package remote

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// IsNetworkError reports whether err means the server could not be
// reached: transport-level failures, timeouts, DNS errors, and HTTP
// statuses that are operationally equivalent to unreachable (503 and
// friends). Queued writes that fail with a network error are retried;
// everything else means the server saw the request and rejected it.
//
// Pure and side-effect free. This is the only place coupled to the
// remote backend's error representation.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var re *RequestError
	if errors.As(err, &re) {
		return isTransientStatus(re.Status)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// url.Error wraps every transport failure from net/http.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	// Last resort: errors from other SDKs reduced to strings.
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"network request failed",
		"fetch failed",
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"tls handshake timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}

	return false
}

// IsRejection reports whether err proves the server was reached and
// refused the request permanently. Rejected writes are dropped from the
// queue, never retried.
func IsRejection(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return !isTransientStatus(re.Status)
	}

	return false
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying. 503 in particular is
// treated as unreachable rather than rejected.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
