package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Sentinel errors for the adapter operation surface.
var (
	ErrNotConnected   = errors.New("adapter not connected")
	ErrInvalidSymbols = errors.New("no valid symbols after venue mapping")
	ErrParse          = errors.New("frame parse error")
	ErrTimeout        = errors.New("operation timed out")
)

// VenueError is an explicit error reported by the venue itself.
type VenueError struct {
	Venue   string
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("%s venue error %s: %s", e.Venue, e.Code, e.Message)
}

// ErrorType buckets failures for retry policy.
type ErrorType string

const (
	ErrorTransport ErrorType = "transport"
	ErrorProtocol  ErrorType = "protocol"
	ErrorVenue     ErrorType = "venue"
	ErrorPermanent ErrorType = "permanent"
)

// ErrorClass is the classifier verdict for one failure.
type ErrorClass struct {
	Type      ErrorType
	Severity  string // debug, warn, error
	Retryable bool
	// BackoffScale multiplies the nominal reconnect delay; venue 5xx and
	// abnormal closes retry slower than plain transport errors.
	BackoffScale float64
}

// Classify maps an error to its retry policy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClass{Type: ErrorTransport, Severity: "debug", Retryable: true, BackoffScale: 1}
	case errors.Is(err, context.Canceled):
		return ErrorClass{Type: ErrorPermanent, Severity: "debug", Retryable: false, BackoffScale: 1}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return ErrorClass{Type: ErrorTransport, Severity: "warn", Retryable: true, BackoffScale: 1}
	case errors.Is(err, ErrParse):
		return ErrorClass{Type: ErrorProtocol, Severity: "warn", Retryable: false, BackoffScale: 1}
	}

	var venueErr *VenueError
	if errors.As(err, &venueErr) {
		if isPermanentVenueCode(venueErr.Code) {
			return ErrorClass{Type: ErrorPermanent, Severity: "error", Retryable: false, BackoffScale: 1}
		}
		return ErrorClass{Type: ErrorVenue, Severity: "warn", Retryable: true, BackoffScale: 2}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClass{Type: ErrorTransport, Severity: "warn", Retryable: true, BackoffScale: 1}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return ErrorClass{Type: ErrorPermanent, Severity: "error", Retryable: false, BackoffScale: 1}
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"), strings.Contains(msg, "eof"):
		return ErrorClass{Type: ErrorTransport, Severity: "warn", Retryable: true, BackoffScale: 1}
	default:
		return ErrorClass{Type: ErrorTransport, Severity: "warn", Retryable: true, BackoffScale: 1}
	}
}

func isPermanentVenueCode(code string) bool {
	switch code {
	case "401", "403", "auth", "invalid_api_key":
		return true
	}
	return false
}

// ClosePolicy decides how to react to a websocket close code.
type ClosePolicy struct {
	Severity  string // debug, warn
	Reconnect bool
	// MinDelay floors the reconnect delay; abnormal closes back off harder.
	MinDelay time.Duration
}

// DefaultClosePolicy implements the shared close-code table. Venues override
// their 4xxx range through VenueSpec.CloseCodePolicy.
func DefaultClosePolicy(code int) ClosePolicy {
	switch code {
	case websocket.CloseNormalClosure: // 1000
		return ClosePolicy{Severity: "debug", Reconnect: false}
	case websocket.CloseGoingAway: // 1001, our pong-timeout close
		return ClosePolicy{Severity: "warn", Reconnect: true}
	case websocket.CloseAbnormalClosure: // 1006
		return ClosePolicy{Severity: "warn", Reconnect: true, MinDelay: 5 * time.Second}
	default:
		if code >= 4000 {
			return ClosePolicy{Severity: "warn", Reconnect: true}
		}
		return ClosePolicy{Severity: "warn", Reconnect: true}
	}
}
