package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry for read-only calls.
type TransientError struct {
	Err    error
	Output string
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient, keeping the command output
// that triggered the classification.
func NewTransientError(err error, output string) *TransientError {
	return &TransientError{Err: err, Output: output}
}

// transientPatterns are substrings of CLI or network output that indicate a
// short-lived backend or network problem.
var transientPatterns = []string{
	"unexpected_eof_while_reading",
	"connecterror",
	"connection reset",
	"broken pipe",
	"timed out",
	"temporary failure",
	"network is unreachable",
	"tls handshake timeout",
	"i/o timeout",
	"502",
	"503",
	"504",
}

// IsTransientOutput reports whether combined stdout/stderr text looks like a
// transient failure.
func IsTransientOutput(output string) bool {
	msg := strings.ToLower(output)
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a network timeout, a connection-level errno, or carries a
// transient message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	return IsTransientOutput(err.Error())
}
