// Package txn holds the shared identifiers and outcome types for
// cross-shard transactions coordinated by commitd.
package txn

import (
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies a client logical session. Sessions are minted by
// clients (or the gateway in front of commitd); commitd never creates one.
type SessionID uuid.UUID

// ParseSessionID parses the canonical textual form of a session ID.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("parse session id: %w", err)
	}
	return SessionID(id), nil
}

// NewSessionID mints a fresh random session ID. Intended for tests and
// tooling; production session IDs arrive with the client request.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// IsZero reports whether the session ID is the zero UUID.
func (s SessionID) IsZero() bool {
	return s == SessionID{}
}

// TxnNumber orders transactions within a session. Numbers are supplied by
// the client and increase monotonically per session.
type TxnNumber int64

// Decision is the terminal outcome of a coordinated transaction.
type Decision string

const (
	// DecisionNone means the coordinator has not reached an outcome yet.
	DecisionNone Decision = ""
	// DecisionCommit means every participant voted commit and the commit
	// decision was recorded.
	DecisionCommit Decision = "commit"
	// DecisionAbort means at least one participant voted abort, or the
	// coordination was cancelled before all votes arrived.
	DecisionAbort Decision = "abort"
)

// Participant identifies one shard taking part in a transaction without
// driving its commit protocol.
type Participant struct {
	// Shard is the stable shard identifier.
	Shard string
	// Endpoint is the base URL the coordinator fans prepare/decision
	// requests out to.
	Endpoint string
}
