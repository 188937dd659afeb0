package request

import "fmt"

// ErrorCode is the numeric error classification surfaced in the frontend's
// JSON error payload. Values and messages are preserved from the source's
// error_codes table (user_metrics/api/__init__.py) so existing API clients
// that branch on error_code keep working unchanged.
type ErrorCode int

const (
	ErrCodeUnclassified     ErrorCode = -1
	ErrCodeAlreadyRunning   ErrorCode = 0
	ErrCodeBadRequest       ErrorCode = 1
	ErrCodeRequestNotFound  ErrorCode = 2
	ErrCodeUserNotFound     ErrorCode = 3
	ErrCodeBadMetricName    ErrorCode = 4
	ErrCodeUserLookupFailed ErrorCode = 5
	ErrCodeAlreadyQueued    ErrorCode = 6
)

// Messages mirrors the source's error_codes map verbatim.
var Messages = map[ErrorCode]string{
	ErrCodeUnclassified:     "Metrics API HTTP request error.",
	ErrCodeAlreadyRunning:   "Job already running.",
	ErrCodeBadRequest:       "Badly Formatted timestamp",
	ErrCodeRequestNotFound:  "Could not locate stored request.",
	ErrCodeUserNotFound:     "Could not find User ID.",
	ErrCodeBadMetricName:    "Bad metric name.",
	ErrCodeUserLookupFailed: "Failed to retrieve users.",
	ErrCodeAlreadyQueued:    "Job is currently queued.",
}

// Error is a sentinel API error carrying the numeric code the frontend
// renders into its JSON error payload.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s (code %d)", e.Message, e.Code) }

// Sentinel errors for the kinds named in the spec's error handling design.
// BadCohortExpression is a request-validation failure the source does not
// distinguish with its own code, so it carries ErrCodeBadRequest;
// UnknownMetric carries ErrCodeBadMetricName. Wrap with
// fmt.Errorf("...: %w", ...) at call sites that need a more specific message.
var (
	ErrBadRequest          = &Error{Code: ErrCodeBadRequest, Message: Messages[ErrCodeBadRequest]}
	ErrBadCohortExpression = &Error{Code: ErrCodeBadRequest, Message: "malformed cohort expression"}
	ErrUnknownMetric       = &Error{Code: ErrCodeBadMetricName, Message: Messages[ErrCodeBadMetricName]}
	ErrUserNotFound        = &Error{Code: ErrCodeUserNotFound, Message: Messages[ErrCodeUserNotFound]}
	ErrUserLookupFailed    = &Error{Code: ErrCodeUserLookupFailed, Message: Messages[ErrCodeUserLookupFailed]}
	ErrAlreadyQueued       = &Error{Code: ErrCodeAlreadyQueued, Message: Messages[ErrCodeAlreadyQueued]}
	ErrAlreadyRunning      = &Error{Code: ErrCodeAlreadyRunning, Message: Messages[ErrCodeAlreadyRunning]}
)
