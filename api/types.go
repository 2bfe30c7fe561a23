// Package api defines the JSON wire types exchanged between clients,
// commitd, and participant shards.
package api

// CoordinateCommitRequest models the JSON payload for
// POST /v1/txn/coordinate-commit.
type CoordinateCommitRequest struct {
	// SessionID is the canonical textual form of the client session UUID.
	SessionID string `json:"session_id"`
	// TxnNumber orders transactions within the session.
	TxnNumber int64 `json:"txn_number"`
	// Participants lists every shard taking part in the transaction.
	Participants []Participant `json:"participants,omitempty"`
}

// Participant identifies one shard in a cross-shard transaction.
type Participant struct {
	// Shard is the stable shard identifier.
	Shard string `json:"shard"`
	// Endpoint is the base URL for the shard's transaction endpoints.
	Endpoint string `json:"endpoint"`
}

// CoordinateCommitResponse reports the terminal outcome of a coordinated
// transaction.
type CoordinateCommitResponse struct {
	SessionID string `json:"session_id"`
	TxnNumber int64  `json:"txn_number"`
	// Decision is "commit" or "abort".
	Decision string `json:"decision"`
	// CorrelationID links related operations across request/response logs.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// PrepareRequest is sent to every participant in phase one.
type PrepareRequest struct {
	SessionID string `json:"session_id"`
	TxnNumber int64  `json:"txn_number"`
	// Shard names the participant the request targets, so a misrouted
	// request can be rejected.
	Shard string `json:"shard"`
}

// Votes a participant may cast in a PrepareResponse.
const (
	VoteCommit = "commit"
	VoteAbort  = "abort"
)

// PrepareResponse carries a participant's vote.
type PrepareResponse struct {
	Vote string `json:"vote"`
	// Reason optionally explains an abort vote.
	Reason string `json:"reason,omitempty"`
}

// DecisionRequest broadcasts the commit-or-abort decision in phase two.
type DecisionRequest struct {
	SessionID string `json:"session_id"`
	TxnNumber int64  `json:"txn_number"`
	Decision  string `json:"decision"`
	Shard     string `json:"shard"`
}

// ErrorResponse is the JSON error envelope returned by commitd and expected
// from participant shards.
type ErrorResponse struct {
	ErrorCode string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	// RetryAfter is the server hint (seconds) before retrying.
	RetryAfter int64 `json:"retry_after_seconds,omitempty"`
}
