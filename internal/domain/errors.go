package domain

import "fmt"

// OrchestratorError is the unified error type for the orchestrator.
// Each error has a numeric code and human-readable message.
type OrchestratorError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("orchestrator error %d: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code, so wrapped and
// re-messaged errors still match their sentinel with errors.Is.
func (e *OrchestratorError) Is(target error) bool {
	t, ok := target.(*OrchestratorError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewOrchestratorError creates a new OrchestratorError.
func NewOrchestratorError(code int, msg string) *OrchestratorError {
	return &OrchestratorError{Code: code, Message: msg}
}

// WrapOrchestratorError creates an OrchestratorError that includes a cause.
func WrapOrchestratorError(base *OrchestratorError, msg string, cause error) *OrchestratorError {
	return &OrchestratorError{Code: base.Code, Message: fmt.Sprintf("%s: %s: %v", base.Message, msg, cause)}
}

// ---- Not found (-32010 to -32019) ----

var (
	ErrIncidentNotFound = &OrchestratorError{Code: -32010, Message: "incident not found"}
	ErrShipmentNotFound = &OrchestratorError{Code: -32011, Message: "shipment not found"}
	ErrRunNotFound      = &OrchestratorError{Code: -32012, Message: "automation run not found"}
)

// ---- Precondition / state errors (-32020 to -32039) ----

var (
	ErrDiscoveryNotComplete = &OrchestratorError{Code: -32020, Message: "discovery has not completed"}
	ErrHandoffAlreadySent   = &OrchestratorError{Code: -32021, Message: "automation handoff already sent"}
	ErrIncidentClosed       = &OrchestratorError{Code: -32022, Message: "incident is no longer active"}
	ErrInvalidTransition    = &OrchestratorError{Code: -32023, Message: "invalid discovery status transition"}
	ErrDiscoveryConflict    = &OrchestratorError{Code: -32024, Message: "discovery status was modified concurrently"}
)

// ---- Upstream errors (-32070 to -32079) ----

var (
	ErrAutomationUpstream    = &OrchestratorError{Code: -32070, Message: "automation endpoint failed"}
	ErrAutomationUnavailable = &OrchestratorError{Code: -32071, Message: "automation endpoint is not configured"}
)

// ---- Request errors (-32100 to -32109) ----

var (
	ErrInvalidRequest = &OrchestratorError{Code: -32100, Message: "invalid request"}
	ErrRateLimited    = &OrchestratorError{Code: -32101, Message: "rate limit exceeded"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit     = &OrchestratorError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery    = &OrchestratorError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite    = &OrchestratorError{Code: -32132, Message: "store write failed"}
	ErrConfigInvalid = &OrchestratorError{Code: -32136, Message: "invalid configuration"}
	ErrDuplicateLog  = &OrchestratorError{Code: -32137, Message: "duplicate log entry"}
)
