// Package txncoord drives two-phase commit for cross-shard transactions and
// owns the node's coordination lifecycle: step-up recovery, coordinateCommit
// routing through the coordinator catalog, and shutdown draining.
package txncoord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/txn"
	"pkt.systems/pslog"
)

const (
	preparePath = "/v1/txn/prepare"
	commitPath  = "/v1/txn/commit"
	abortPath   = "/v1/txn/abort"
)

// RetryPolicy bounds per-endpoint fan-out attempts.
type RetryPolicy struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// CoordinatorConfig configures a single coordination.
type CoordinatorConfig struct {
	Session      txn.SessionID
	TxnNumber    txn.TxnNumber
	Participants []txn.Participant
	Logger       pslog.Logger
	HTTPClient   *http.Client
	Retry        RetryPolicy
}

// Coordinator drives one two-phase commit: collect votes from every
// participant, decide commit iff all vote commit, broadcast the decision,
// then reach a terminal state. The catalog consumes only the Done and
// Decision signals.
type Coordinator struct {
	session      txn.SessionID
	number       txn.TxnNumber
	participants []txn.Participant
	logger       pslog.Logger
	client       *http.Client
	retry        RetryPolicy
	metrics      *txncoordMetrics

	runOnce  sync.Once
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	done chan struct{}

	mu       sync.Mutex
	decision txn.Decision
	err      error
}

// NewCoordinator constructs a coordinator; Run starts it.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Coordinator{
		session:      cfg.Session,
		number:       cfg.TxnNumber,
		participants: cfg.Participants,
		logger: logger.With(
			"session", cfg.Session.String(),
			"txn_number", int64(cfg.TxnNumber),
		),
		client:  client,
		retry:   cfg.Retry,
		metrics: packageMetrics(logger),
		done:    make(chan struct{}),
	}
}

// Run starts driving the protocol on its own goroutine. Subsequent calls
// are no-ops.
func (c *Coordinator) Run(ctx context.Context) {
	c.runOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		runCtx, cancel := context.WithCancel(ctx)
		c.cancelMu.Lock()
		c.cancel = cancel
		c.cancelMu.Unlock()
		go c.run(runCtx)
	})
}

// Cancel interrupts an in-flight coordination, completing it with an error.
// Used on stepdown and when a newer transaction supersedes this one on the
// same session. No-op after completion or before Run.
func (c *Coordinator) Cancel() {
	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed exactly once, when the coordination reaches a terminal
// state regardless of outcome.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Decision reports the final outcome; only meaningful after Done fires.
// A non-nil error means the coordination failed (cancelled, or the decision
// could not be delivered to every participant).
func (c *Coordinator) Decision() (txn.Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision, c.err
}

// Session returns the session this coordinator belongs to.
func (c *Coordinator) Session() txn.SessionID {
	return c.session
}

// TxnNumber returns the transaction number this coordinator drives.
func (c *Coordinator) TxnNumber() txn.TxnNumber {
	return c.number
}

func (c *Coordinator) run(ctx context.Context) {
	start := time.Now()
	decision, err := c.coordinate(ctx)

	c.mu.Lock()
	c.decision = decision
	c.err = err
	c.mu.Unlock()
	close(c.done)

	c.metrics.recordDecide(ctx, decision, err, time.Since(start))
	if err != nil {
		c.logger.Warn("txn.tc.complete.failed",
			"decision", string(decision),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	c.logger.Info("txn.tc.complete",
		"decision", string(decision),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (c *Coordinator) coordinate(ctx context.Context) (txn.Decision, error) {
	// A transaction with no remote participants commits trivially.
	if len(c.participants) == 0 {
		return txn.DecisionCommit, nil
	}

	prepareStart := time.Now()
	decision, err := c.collectVotes(ctx)
	c.metrics.recordPrepare(ctx, time.Since(prepareStart))
	if err != nil {
		return txn.DecisionNone, err
	}

	if err := c.broadcastDecision(ctx, decision); err != nil {
		return decision, err
	}
	return decision, nil
}

type voteResult struct {
	participant txn.Participant
	vote        string
	err         error
}

// collectVotes runs phase one. Any abort vote or unreachable participant
// yields an abort decision; only caller cancellation is an error.
func (c *Coordinator) collectVotes(ctx context.Context) (txn.Decision, error) {
	results := make(chan voteResult, len(c.participants))
	for _, p := range c.participants {
		go func(p txn.Participant) {
			vote, err := c.prepareOne(ctx, p)
			results <- voteResult{participant: p, vote: vote, err: err}
		}(p)
	}

	decision := txn.DecisionCommit
	for range c.participants {
		res := <-results
		if res.err != nil {
			if ctx.Err() != nil {
				return txn.DecisionNone, ctx.Err()
			}
			c.logger.Warn("txn.tc.prepare.unreachable",
				"shard", res.participant.Shard,
				"endpoint", res.participant.Endpoint,
				"error", res.err,
			)
			decision = txn.DecisionAbort
			continue
		}
		if res.vote != api.VoteCommit {
			c.logger.Info("txn.tc.prepare.abort_vote",
				"shard", res.participant.Shard,
				"vote", res.vote,
			)
			decision = txn.DecisionAbort
		}
	}
	if ctx.Err() != nil {
		return txn.DecisionNone, ctx.Err()
	}
	return decision, nil
}

func (c *Coordinator) prepareOne(ctx context.Context, p txn.Participant) (string, error) {
	payload := api.PrepareRequest{
		SessionID: c.session.String(),
		TxnNumber: int64(c.number),
		Shard:     p.Shard,
	}
	var resp api.PrepareResponse
	err := c.postWithRetry(ctx, p, preparePath, payload, &resp)
	if err != nil {
		return "", err
	}
	return resp.Vote, nil
}

// broadcastDecision runs phase two. The decision must reach every
// participant; endpoints that stay unreachable after retries are reported
// in a DeliveryError.
func (c *Coordinator) broadcastDecision(ctx context.Context, decision txn.Decision) error {
	path := commitPath
	if decision == txn.DecisionAbort {
		path = abortPath
	}
	fanoutStart := time.Now()
	results := make(chan voteResult, len(c.participants))
	for _, p := range c.participants {
		go func(p txn.Participant) {
			payload := api.DecisionRequest{
				SessionID: c.session.String(),
				TxnNumber: int64(c.number),
				Decision:  string(decision),
				Shard:     p.Shard,
			}
			err := c.postWithRetry(ctx, p, path, payload, nil)
			results <- voteResult{participant: p, err: err}
		}(p)
	}

	var failures []EndpointFailure
	for range c.participants {
		res := <-results
		if res.err != nil {
			failures = append(failures, EndpointFailure{
				Shard:    res.participant.Shard,
				Endpoint: res.participant.Endpoint,
				Err:      res.err,
			})
		}
	}
	c.metrics.recordFanout(ctx, decision, time.Since(fanoutStart), len(failures) == 0)
	if len(failures) > 0 {
		return &DeliveryError{
			Session:   c.session,
			TxnNumber: c.number,
			Decision:  decision,
			Failures:  failures,
		}
	}
	return nil
}

func (c *Coordinator) postWithRetry(ctx context.Context, p txn.Participant, path string, payload, out any) error {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := c.retry.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.recordFanoutAttempt(ctx, p.Shard)
		err := c.postOnce(ctx, p, path, payload, out)
		if err == nil {
			return nil
		}
		if attempt == attempts {
			return err
		}
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		if c.retry.MaxDelay > 0 && delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if c.retry.Multiplier > 1 {
			delay = time.Duration(float64(delay)*c.retry.Multiplier + 0.5)
		}
	}
	return fmt.Errorf("txncoord: fanout attempts exhausted")
}

func (c *Coordinator) postOnce(ctx context.Context, p txn.Participant, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timeout := c.retry.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, joinEndpoint(p.Endpoint, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.ErrorCode != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, errResp.ErrorCode)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func joinEndpoint(base, suffix string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return suffix
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}

// DeliveryError reports participants a decision could not be delivered to.
type DeliveryError struct {
	Session   txn.SessionID
	TxnNumber txn.TxnNumber
	Decision  txn.Decision
	Failures  []EndpointFailure
}

// EndpointFailure captures one failed participant delivery.
type EndpointFailure struct {
	Shard    string
	Endpoint string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "txn decision delivery failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "txn %s/%d %s delivery failed: ", e.Session, e.TxnNumber, e.Decision)
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		if f.Shard != "" {
			b.WriteString(f.Shard)
			b.WriteString(" ")
		}
		if f.Endpoint != "" {
			b.WriteString("(")
			b.WriteString(f.Endpoint)
			b.WriteString(")")
		}
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}
