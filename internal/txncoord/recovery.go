package txncoord

import (
	"context"
	"sync"

	"pkt.systems/commitd/internal/txn"
)

// RecoveryRecord describes a coordination a previous primary left in doubt.
type RecoveryRecord struct {
	Session      txn.SessionID
	TxnNumber    txn.TxnNumber
	Participants []txn.Participant
}

// RecoveryStore lists the coordinations step-up recovery must resume.
// Durable implementations belong to the replication layer; commitd ships an
// in-memory store for embedding and tests.
type RecoveryStore interface {
	ListInDoubt(ctx context.Context) ([]RecoveryRecord, error)
}

// MemoryRecoveryStore is an in-memory RecoveryStore.
type MemoryRecoveryStore struct {
	mu      sync.Mutex
	records []RecoveryRecord
}

// NewMemoryRecoveryStore constructs an empty in-memory recovery store.
func NewMemoryRecoveryStore() *MemoryRecoveryStore {
	return &MemoryRecoveryStore{}
}

// Add registers a record for the next step-up recovery pass.
func (s *MemoryRecoveryStore) Add(rec RecoveryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// ListInDoubt returns a copy of the registered records.
func (s *MemoryRecoveryStore) ListInDoubt(ctx context.Context) ([]RecoveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecoveryRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}
