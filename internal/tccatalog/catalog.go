// Package tccatalog tracks every two-phase-commit coordinator active on this
// node, indexed by session and transaction number. The catalog is the
// node-local registry the coordination service consults to route
// coordinateCommit retries to an existing coordinator instead of creating a
// duplicate, and the synchronization point for step-up recovery and
// shutdown draining.
package tccatalog

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"

	"pkt.systems/commitd/internal/clock"
	"pkt.systems/commitd/internal/txn"
	"pkt.systems/pslog"
)

// DefaultJoinWarnInterval is how often Join logs progress while coordinators
// are still draining.
const DefaultJoinWarnInterval = 5 * time.Second

// Coordinator is the contracted surface the catalog consumes from a
// transaction coordinator. The catalog never touches coordinator internals
// beyond these two signals.
type Coordinator interface {
	// Done is closed exactly once, when the coordinator reaches a terminal
	// state (committed, aborted, or failed due to stepdown/shutdown).
	Done() <-chan struct{}
	// Decision reports the final outcome. It is only meaningful after Done
	// has fired; a non-nil error means the coordination failed before an
	// outcome was recorded.
	Decision() (txn.Decision, error)
}

// Config configures a catalog instance.
type Config struct {
	Logger pslog.Logger
	Clock  clock.Clock
	// RetainCompleted keeps successfully completed coordinators in a
	// secondary defunct map so tests and operators can inspect them after
	// removal from the live catalog. Never enabled in production routing.
	RetainCompleted bool
	// JoinWarnInterval overrides how often Join logs while draining.
	JoinWarnInterval time.Duration
}

// Catalog is the process-wide registry of active coordinators. A single
// mutex guards all state; catalog operations are infrequent relative to the
// per-transaction protocol work they gate, so per-entry locking would buy
// nothing.
type Catalog struct {
	logger           pslog.Logger
	clock            clock.Clock
	retainCompleted  bool
	joinWarnInterval time.Duration
	metrics          *catalogMetrics

	mu       sync.Mutex
	sessions map[txn.SessionID]*treemap.Map // TxnNumber -> Coordinator, descending
	defunct  map[txn.SessionID]map[txn.TxnNumber]Coordinator

	// Step-up gate: stepUpErr is written at most once, before stepUpDone is
	// closed, and never modified again for the lifetime of this instance.
	stepUpSet  bool
	stepUpErr  error
	stepUpDone chan struct{}

	// drained is allocated lazily by Join and closed by Remove when the
	// last coordinator leaves the catalog.
	drained chan struct{}
}

// New constructs a catalog with an unset step-up gate. Gate-respecting
// operations block until ExitStepUp is called.
func New(cfg Config) *Catalog {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	interval := cfg.JoinWarnInterval
	if interval <= 0 {
		interval = DefaultJoinWarnInterval
	}
	return &Catalog{
		logger:           logger,
		clock:            clk,
		retainCompleted:  cfg.RetainCompleted,
		joinWarnInterval: interval,
		metrics:          newCatalogMetrics(logger),
		sessions:         make(map[txn.SessionID]*treemap.Map),
		defunct:          make(map[txn.SessionID]map[txn.TxnNumber]Coordinator),
		stepUpDone:       make(chan struct{}),
	}
}

// Buckets order transaction numbers descending so the first element is
// always the most recently started transaction on the session. The order is
// chosen explicitly; nothing relies on a container default.
func txnNumberDesc(a, b interface{}) int {
	x := a.(txn.TxnNumber)
	y := b.(txn.TxnNumber)
	switch {
	case x > y:
		return -1
	case x < y:
		return 1
	default:
		return 0
	}
}

// Insert registers a coordinator under (session, number). Inserting a second
// coordinator for a live key is a caller contract breach and panics. When
// forStepUp is true the step-up gate is bypassed so recovery can populate
// the catalog the gate protects; otherwise the call blocks until the gate is
// set, honoring ctx cancellation.
func (c *Catalog) Insert(ctx context.Context, session txn.SessionID, number txn.TxnNumber, coord Coordinator, forStepUp bool) error {
	if coord == nil {
		panic("tccatalog: Insert called with nil coordinator")
	}
	if !forStepUp {
		if err := c.waitForStepUp(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	bucket := c.sessions[session]
	if bucket == nil {
		bucket = treemap.NewWith(txnNumberDesc)
		c.sessions[session] = bucket
	} else if _, dup := bucket.Get(number); dup {
		c.mu.Unlock()
		panic(fmt.Sprintf("tccatalog: coordinator already registered for session %s txn %d", session, number))
	}
	bucket.Put(number, coord)
	c.mu.Unlock()

	c.metrics.recordInsert(ctx, forStepUp)
	c.logger.Debug("txn.catalog.insert",
		"session", session.String(),
		"txn_number", int64(number),
		"for_stepup", forStepUp,
	)

	// One-shot completion listener. It runs on its own goroutine, so Remove
	// must be (and is) safe against any concurrent catalog operation.
	go func() {
		<-coord.Done()
		c.Remove(session, number)
	}()
	return nil
}

// Get returns the coordinator registered under (session, number), or nil
// when none exists. With RetainCompleted enabled, a completed coordinator in
// the defunct map is returned as a fallback. Blocks on the step-up gate.
func (c *Catalog) Get(ctx context.Context, session txn.SessionID, number txn.TxnNumber) (Coordinator, error) {
	if err := c.waitForStepUp(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if bucket := c.sessions[session]; bucket != nil {
		if v, ok := bucket.Get(number); ok {
			return v.(Coordinator), nil
		}
	}
	if c.retainCompleted {
		if byNumber := c.defunct[session]; byNumber != nil {
			if coord, ok := byNumber[number]; ok {
				return coord, nil
			}
		}
	}
	return nil, nil
}

// LatestOnSession returns the coordinator with the greatest transaction
// number on the session, or a nil coordinator when the session has none.
// Blocks on the step-up gate.
func (c *Catalog) LatestOnSession(ctx context.Context, session txn.SessionID) (txn.TxnNumber, Coordinator, error) {
	if err := c.waitForStepUp(ctx); err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.sessions[session]
	if bucket == nil {
		return 0, nil, nil
	}
	// Remove prunes a session the moment its last entry goes; a present but
	// empty bucket means that pruning is broken.
	if bucket.Empty() {
		panic(fmt.Sprintf("tccatalog: empty bucket for session %s", session))
	}
	number, v := bucket.Min() // descending comparator: Min is the latest txn
	return number.(txn.TxnNumber), v.(Coordinator), nil
}

// Remove erases the entry for (session, number), prunes the session bucket
// when it empties, and signals the drain condition once the catalog is
// empty. Removing an absent entry is a no-op. Remove never fails: an error
// from the coordinator's decision query only means the coordinator is not
// retained in the defunct map.
func (c *Catalog) Remove(session txn.SessionID, number txn.TxnNumber) {
	c.mu.Lock()
	bucket := c.sessions[session]
	if bucket == nil {
		c.mu.Unlock()
		return
	}
	v, ok := bucket.Get(number)
	if !ok {
		c.mu.Unlock()
		return
	}
	retained := false
	if c.retainCompleted {
		coord := v.(Coordinator)
		if decision, err := coord.Decision(); err == nil && decision != txn.DecisionNone {
			byNumber := c.defunct[session]
			if byNumber == nil {
				byNumber = make(map[txn.TxnNumber]Coordinator)
				c.defunct[session] = byNumber
			}
			byNumber[number] = coord
			retained = true
		}
	}
	bucket.Remove(number)
	if bucket.Empty() {
		delete(c.sessions, session)
	}
	drainSignalled := false
	if len(c.sessions) == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
		drainSignalled = true
	}
	c.mu.Unlock()

	c.metrics.recordRemove(context.Background(), retained)
	c.logger.Debug("txn.catalog.remove",
		"session", session.String(),
		"txn_number", int64(number),
		"retained", retained,
	)
	if drainSignalled {
		c.logger.Debug("txn.catalog.drained")
	}
}

// ExitStepUp sets the step-up gate exactly once and wakes every gate waiter.
// A nil error enables gated operations; a non-nil error makes them fail with
// that status until a fresh catalog is established for the next term.
// Calling ExitStepUp twice on the same instance panics.
func (c *Catalog) ExitStepUp(stepUpErr error) {
	c.mu.Lock()
	if c.stepUpSet {
		c.mu.Unlock()
		panic("tccatalog: ExitStepUp called twice")
	}
	c.stepUpSet = true
	c.stepUpErr = stepUpErr
	close(c.stepUpDone)
	c.mu.Unlock()

	if stepUpErr == nil {
		c.logger.Info("txn.catalog.stepup.complete")
	} else {
		c.logger.Warn("txn.catalog.stepup.failed", "error", stepUpErr)
	}
}

// Join blocks until every inserted coordinator has completed and been
// removed. There is no internal timeout: Join keeps waiting, logging the
// remaining sessions at the configured interval, until the catalog drains
// or ctx is cancelled.
func (c *Catalog) Join(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.sessions) == 0 {
			c.mu.Unlock()
			return nil
		}
		if c.drained == nil {
			c.drained = make(chan struct{})
		}
		drained := c.drained
		active := len(c.sessions)
		c.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.joinWarnInterval):
			// Periodic diagnostic wake only; correctness comes from the
			// drain channel.
			c.logger.Warn("txn.catalog.join.waiting",
				"sessions", active,
				"catalog", c.String(),
			)
		}
	}
}

// String renders every session and its active transaction numbers, latest
// first. Diagnostics only.
func (c *Catalog) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	b.WriteString("[")
	for session, bucket := range c.sessions {
		b.WriteString("\n")
		b.WriteString(session.String())
		b.WriteString(":")
		for _, key := range bucket.Keys() {
			fmt.Fprintf(&b, " %d", key.(txn.TxnNumber))
		}
	}
	b.WriteString("]")
	return b.String()
}

func (c *Catalog) waitForStepUp(ctx context.Context) error {
	select {
	case <-c.stepUpDone:
	default:
		start := c.clock.Now()
		select {
		case <-c.stepUpDone:
			c.metrics.recordStepUpWait(ctx, c.clock.Now().Sub(start))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// stepUpErr is written before stepUpDone is closed and never again.
	if err := c.stepUpErr; err != nil {
		return txn.Failure{
			Code:       txn.CodeStepUpFailed,
			Detail:     err.Error(),
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}
	return nil
}
