package txn

import "fmt"

// Failure captures transport-neutral error details that adapters can map to
// HTTP or other protocols.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Well-known failure codes surfaced by the coordination service.
const (
	// CodeStepUpFailed is returned by gate-respecting catalog operations
	// after coordinator recovery failed on step-up.
	CodeStepUpFailed = "txn_stepup_failed"
	// CodeCoordinatorUnavailable is returned when no coordination service
	// is running on this node.
	CodeCoordinatorUnavailable = "txn_coordinator_unavailable"
	// CodeTxnTooOld is returned when a coordinateCommit request targets a
	// transaction number lower than the latest one active on the session.
	CodeTxnTooOld = "txn_too_old"
)
