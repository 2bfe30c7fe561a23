package txncoord

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pkt.systems/commitd/internal/clock"
	"pkt.systems/commitd/internal/correlation"
	"pkt.systems/commitd/internal/tccatalog"
	"pkt.systems/commitd/internal/txn"
	"pkt.systems/pslog"
)

// Config configures the coordination service.
type Config struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	HTTPClient *http.Client
	// Recovery supplies the in-doubt coordinations resumed on step-up.
	Recovery RecoveryStore
	// RetainCompleted enables the catalog's diagnostics-only defunct map.
	RetainCompleted  bool
	JoinWarnInterval time.Duration
	Retry            RetryPolicy
}

// Service owns the coordinator catalog lifecycle for this node. Role
// transitions (StepUp/StepDown) are serialized by the caller, the way the
// replication subsystem serializes role changes.
type Service struct {
	logger           pslog.Logger
	clock            clock.Clock
	client           *http.Client
	recovery         RecoveryStore
	retainCompleted  bool
	joinWarnInterval time.Duration
	retry            RetryPolicy
	metrics          *txncoordMetrics

	mu         sync.Mutex
	catalog    *tccatalog.Catalog
	termCtx    context.Context
	termCancel context.CancelFunc
	steppedUp  bool

	// coordMu serializes the lookup-then-insert path of CoordinateCommit
	// so two concurrent first requests for the same transaction cannot
	// both miss the catalog and insert twice.
	coordMu sync.Mutex
}

// NewService constructs the service with a fresh catalog whose step-up gate
// is unset; gated operations block until StepUp completes.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	s := &Service{
		logger:           logger,
		clock:            clk,
		client:           client,
		recovery:         cfg.Recovery,
		retainCompleted:  cfg.RetainCompleted,
		joinWarnInterval: cfg.JoinWarnInterval,
		retry:            cfg.Retry,
		metrics:          packageMetrics(logger),
	}
	s.catalog = s.newCatalog()
	s.termCtx, s.termCancel = context.WithCancel(context.Background())
	return s
}

func (s *Service) newCatalog() *tccatalog.Catalog {
	return tccatalog.New(tccatalog.Config{
		Logger:           s.logger,
		Clock:            s.clock,
		RetainCompleted:  s.retainCompleted,
		JoinWarnInterval: s.joinWarnInterval,
	})
}

// StepUp recovers the coordinations a previous primary left in doubt,
// populating the catalog through the gate bypass, then sets the step-up
// gate. On recovery failure the gate is set to that failure and every gated
// operation keeps failing until the next role transition.
func (s *Service) StepUp(ctx context.Context) error {
	s.mu.Lock()
	if s.steppedUp {
		s.mu.Unlock()
		return fmt.Errorf("txncoord: step-up already performed for this term")
	}
	s.steppedUp = true
	catalog := s.catalog
	termCtx := s.termCtx
	s.mu.Unlock()

	var records []RecoveryRecord
	if s.recovery != nil {
		var err error
		records, err = s.recovery.ListInDoubt(ctx)
		if err != nil {
			catalog.ExitStepUp(err)
			return fmt.Errorf("txncoord: list in-doubt coordinations: %w", err)
		}
	}
	for _, rec := range records {
		coord := s.newCoordinator(rec.Session, rec.TxnNumber, rec.Participants)
		if err := catalog.Insert(ctx, rec.Session, rec.TxnNumber, coord, true); err != nil {
			catalog.ExitStepUp(err)
			return fmt.Errorf("txncoord: insert recovered coordinator: %w", err)
		}
		coord.Run(termCtx)
	}
	s.metrics.recordRecovered(ctx, len(records))
	catalog.ExitStepUp(nil)
	s.logger.Info("txn.tc.stepup.complete", "recovered", len(records))
	return nil
}

// StepDown cancels every in-flight coordination, waits for the old catalog
// to drain, and installs a fresh catalog with an unset gate for the next
// term.
func (s *Service) StepDown(ctx context.Context) error {
	s.mu.Lock()
	old := s.catalog
	oldSteppedUp := s.steppedUp
	cancel := s.termCancel
	s.catalog = s.newCatalog()
	s.termCtx, s.termCancel = context.WithCancel(context.Background())
	s.steppedUp = false
	s.mu.Unlock()

	if !oldSteppedUp {
		// Release gate waiters parked on the retiring catalog.
		old.ExitStepUp(txn.Failure{
			Code:       txn.CodeCoordinatorUnavailable,
			Detail:     "node stepped down before coordinator recovery ran",
			HTTPStatus: http.StatusServiceUnavailable,
		})
	}
	if cancel != nil {
		cancel()
	}
	if err := old.Join(ctx); err != nil {
		return fmt.Errorf("txncoord: drain on stepdown: %w", err)
	}
	s.logger.Info("txn.tc.stepdown.complete")
	return nil
}

// CoordinateCommit routes a commit request to the coordinator for
// (session, number), creating and registering one when none exists, and
// blocks until the coordination reaches its terminal state.
func (s *Service) CoordinateCommit(ctx context.Context, session txn.SessionID, number txn.TxnNumber, participants []txn.Participant) (txn.Decision, error) {
	s.mu.Lock()
	catalog := s.catalog
	termCtx := s.termCtx
	s.mu.Unlock()

	corr := correlation.ID(ctx)
	if corr == "" {
		corr = correlation.Generate()
	}
	logger := s.logger.With(
		"correlation_id", corr,
		"session", session.String(),
		"txn_number", int64(number),
	)

	coord, err := catalog.Get(ctx, session, number)
	if err != nil {
		return txn.DecisionNone, err
	}
	if coord == nil {
		coord, err = s.createCoordinator(ctx, catalog, termCtx, logger, session, number, participants)
		if err != nil {
			return txn.DecisionNone, err
		}
	} else {
		logger.Debug("txn.tc.route.existing")
	}

	select {
	case <-coord.Done():
	case <-ctx.Done():
		return txn.DecisionNone, ctx.Err()
	}
	return coord.Decision()
}

func (s *Service) createCoordinator(ctx context.Context, catalog *tccatalog.Catalog, termCtx context.Context, logger pslog.Logger, session txn.SessionID, number txn.TxnNumber, participants []txn.Participant) (tccatalog.Coordinator, error) {
	s.coordMu.Lock()
	defer s.coordMu.Unlock()

	// Re-check under coordMu: a concurrent request may have created it.
	coord, err := catalog.Get(ctx, session, number)
	if err != nil {
		return nil, err
	}
	if coord != nil {
		logger.Debug("txn.tc.route.existing")
		return coord, nil
	}

	latest, latestCoord, err := catalog.LatestOnSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if latestCoord != nil && latest > number {
		return nil, txn.Failure{
			Code:       txn.CodeTxnTooOld,
			Detail:     fmt.Sprintf("txn %d is older than the most recent txn %d on this session", number, latest),
			HTTPStatus: http.StatusConflict,
		}
	}
	if latestCoord != nil && latest < number {
		// The client moved on: the superseded coordination aborts.
		if prev, ok := latestCoord.(*Coordinator); ok {
			logger.Info("txn.tc.supersede", "superseded_txn_number", int64(latest))
			prev.Cancel()
		}
	}

	created := s.newCoordinator(session, number, participants)
	if err := catalog.Insert(ctx, session, number, created, false); err != nil {
		return nil, err
	}
	created.Run(termCtx)
	logger.Info("txn.tc.route.created", "participants", len(participants))
	return created, nil
}

func (s *Service) newCoordinator(session txn.SessionID, number txn.TxnNumber, participants []txn.Participant) *Coordinator {
	return NewCoordinator(CoordinatorConfig{
		Session:      session,
		TxnNumber:    number,
		Participants: participants,
		Logger:       s.logger,
		HTTPClient:   s.client,
		Retry:        s.retry,
	})
}

// Shutdown waits for every active coordination to finish. When ctx is
// cancelled before the catalog drains, the remaining coordinations are
// cancelled and the drain completes in the background context.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	catalog := s.catalog
	cancel := s.termCancel
	s.mu.Unlock()

	if err := catalog.Join(ctx); err == nil {
		return nil
	}
	s.logger.Warn("txn.tc.shutdown.cancelling_active")
	if cancel != nil {
		cancel()
	}
	return catalog.Join(context.Background())
}

// CatalogString renders the live catalog for diagnostics.
func (s *Service) CatalogString() string {
	s.mu.Lock()
	catalog := s.catalog
	s.mu.Unlock()
	return catalog.String()
}
