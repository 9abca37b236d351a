package broker

import "errors"

// Standardized upstream failure classes. The client wraps every failure
// into one of these before mapping it into the service error taxonomy.
var (
	ErrTimeout        = errors.New("upstream timeout")
	ErrNetwork        = errors.New("network error")
	ErrHTTPClient     = errors.New("upstream client error")
	ErrHTTPServer     = errors.New("upstream server error")
	ErrDecode         = errors.New("response decode error")
	ErrBrokerRejected = errors.New("broker rejected request")
)

// retryable reports whether a failure class is safe to retry for
// idempotent reads. Client errors and broker rejections never retry.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrNetwork), errors.Is(err, ErrHTTPServer):
		return true
	}
	return false
}
