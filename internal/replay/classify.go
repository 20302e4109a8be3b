package replay

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Outcome is how a single replay attempt ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDuplicate Outcome = "duplicate" // 2xx with duplicate:true, treated as success
	OutcomeRejected  Outcome = "rejected"  // non-2xx, counts against the retry ceiling
	OutcomeNetwork   Outcome = "network"   // never reached the server, record untouched
)

// classifyStatus maps an HTTP status and body flag to an outcome.
func classifyStatus(status int, duplicate bool) Outcome {
	if status >= 200 && status < 300 {
		if duplicate {
			return OutcomeDuplicate
		}
		return OutcomeSuccess
	}
	return OutcomeRejected
}

// classifyReason names a transport error for logs and spans.
func classifyReason(err error) string {
	if err == nil {
		return ""
	}
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns_error"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection_reset"
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return "unreachable"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
		return "dns_error"
	case strings.Contains(errLower, "connection reset"):
		return "connection_reset"
	case strings.Contains(errLower, "unreachable"):
		return "unreachable"
	}
	return "network"
}

// connectionDown reports whether a transport error means the upstream is
// unreachable again, so the rest of the pass should wait for the next trigger.
func connectionDown(reason string) bool {
	switch reason {
	case "timeout", "dns_error", "connection_refused", "connection_reset", "unreachable":
		return true
	}
	return false
}
