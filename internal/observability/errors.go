package observability

import "github.com/modelexchange/mxf/pkg/models"

// ErrorKind is the closed set of error categories. Each kind carries a
// default severity used to pick client retry guidance.
type ErrorKind string

const (
	// Input errors — not retried.
	ErrSchemaMismatch    ErrorKind = "schema_mismatch"
	ErrUnknownTool       ErrorKind = "unknown_tool"
	ErrMissingParameters ErrorKind = "missing_parameters"

	// Authorisation errors — not retried.
	ErrUnknownSession       ErrorKind = "unknown_session"
	ErrToolNotAllowed       ErrorKind = "tool_not_allowed"
	ErrChannelMembership    ErrorKind = "channel_membership_missing"

	// Validation rejections — caller may resubmit.
	ErrValidationRejected ErrorKind = "validation_rejected"

	// Execution errors.
	ErrExecNetwork        ErrorKind = "execution_network"
	ErrExecTimeout        ErrorKind = "execution_timeout"
	ErrExecRateLimit      ErrorKind = "execution_rate_limit"
	ErrExecProviderError  ErrorKind = "execution_provider_error"
	ErrExecInternalBug    ErrorKind = "execution_internal_bug"
	ErrExecCancelled      ErrorKind = "cancelled"

	// External-server errors.
	ErrExternalSpawnFailure ErrorKind = "external_spawn_failure"
	ErrExternalCrash        ErrorKind = "external_crash"
	ErrExternalHealth       ErrorKind = "external_health_failure"

	// Storage errors.
	ErrStorageWriteFailed   ErrorKind = "storage_write_failed"
	ErrSearchWriteEnqueued  ErrorKind = "search_write_enqueued"
	ErrSearchDegraded       ErrorKind = "search_degraded"

	// Consistency errors.
	ErrDAGCycle             ErrorKind = "cycle_detected"
	ErrDuplicateRegistration ErrorKind = "duplicate_registration"

	// Fatal errors.
	ErrOutOfMemory      ErrorKind = "out_of_memory"
	ErrTransportDown    ErrorKind = "transport_down"
)

// defaultSeverity maps each error kind to its baseline severity. Callers
// may override per occurrence when more context is available.
var defaultSeverity = map[ErrorKind]models.Severity{
	ErrSchemaMismatch:        models.SeverityHigh,
	ErrUnknownTool:           models.SeverityHigh,
	ErrMissingParameters:     models.SeverityHigh,
	ErrUnknownSession:        models.SeverityHigh,
	ErrToolNotAllowed:        models.SeverityHigh,
	ErrChannelMembership:     models.SeverityMedium,
	ErrValidationRejected:    models.SeverityHigh,
	ErrExecNetwork:           models.SeverityMedium,
	ErrExecTimeout:           models.SeverityMedium,
	ErrExecRateLimit:         models.SeverityLow,
	ErrExecProviderError:     models.SeverityMedium,
	ErrExecInternalBug:       models.SeverityHigh,
	ErrExecCancelled:         models.SeverityLow,
	ErrExternalSpawnFailure:  models.SeverityHigh,
	ErrExternalCrash:         models.SeverityMedium,
	ErrExternalHealth:        models.SeverityMedium,
	ErrStorageWriteFailed:    models.SeverityHigh,
	ErrSearchWriteEnqueued:   models.SeverityLow,
	ErrSearchDegraded:        models.SeverityMedium,
	ErrDAGCycle:              models.SeverityMedium,
	ErrDuplicateRegistration: models.SeverityLow,
	ErrOutOfMemory:           models.SeverityHigh,
	ErrTransportDown:         models.SeverityHigh,
}

// DefaultSeverity returns the baseline severity for an error kind, or
// medium if the kind is unrecognized.
func DefaultSeverity(kind ErrorKind) models.Severity {
	if s, ok := defaultSeverity[kind]; ok {
		return s
	}
	return models.SeverityMedium
}

// Retriable reports whether this error kind belongs to the retriable
// class (timeouts and rate limits). Nothing retries on it automatically:
// the dispatcher surfaces every execution error on the first failure.
func Retriable(kind ErrorKind) bool {
	switch kind {
	case ErrExecTimeout, ErrExecRateLimit:
		return true
	default:
		return false
	}
}

// ErrorPayload is the structured, client-visible error shape — never a
// raw exception string.
type ErrorPayload struct {
	Kind      ErrorKind      `json:"kind"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Severity  models.Severity `json:"severity"`
}

// NewErrorPayload builds an ErrorPayload with the kind's default severity.
func NewErrorPayload(kind ErrorKind, requestID, message string) ErrorPayload {
	return ErrorPayload{
		Kind:      kind,
		Code:      string(kind),
		Message:   message,
		RequestID: requestID,
		Severity:  DefaultSeverity(kind),
	}
}
