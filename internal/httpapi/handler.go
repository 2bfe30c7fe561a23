// Package httpapi wires the coordination service to its HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/correlation"
	"pkt.systems/commitd/internal/svcfields"
	"pkt.systems/commitd/internal/txn"
	"pkt.systems/commitd/internal/txncoord"
	"pkt.systems/pslog"
)

const headerCorrelationID = "X-Correlation-Id"

const coordinateBodyLimit = 256 << 10

// Handler wires HTTP endpoints to the coordination service.
type Handler struct {
	service        *txncoord.Service
	logger         pslog.Logger
	tracingEnabled bool
}

// Config configures a Handler.
type Config struct {
	Service *txncoord.Service
	Logger  pslog.Logger
	// TracingEnabled wraps the router in otelhttp instrumentation.
	TracingEnabled bool
}

// New constructs a Handler. Service is required.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		service:        cfg.Service,
		logger:         logger,
		tracingEnabled: cfg.TracingEnabled,
	}
}

// Router returns the fully wired request multiplexer.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/txn/coordinate-commit", h.wrap("txn.coordinate_commit", h.handleCoordinateCommit))
	mux.Handle("/v1/txn/catalog", h.wrap("txn.catalog", h.handleCatalog))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
	if !h.tracingEnabled {
		return mux
	}
	return otelhttp.NewHandler(mux, "commitd.http",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := correlation.Ensure(r.Context())
		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}

		logger := svcfields.WithSubsystem(h.logger, "http").With(
			"correlation_id", correlation.ID(ctx),
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		w.Header().Set(headerCorrelationID, correlation.ID(ctx))

		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
}

func (h *Handler) handleCoordinateCommit(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		return txn.Failure{
			Code:       "method_not_allowed",
			Detail:     "supported methods: POST",
			HTTPStatus: http.StatusMethodNotAllowed,
		}
	}
	var req api.CoordinateCommitRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		return txn.Failure{
			Code:       "invalid_request",
			Detail:     err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}
	}
	session, err := txn.ParseSessionID(req.SessionID)
	if err != nil {
		return txn.Failure{
			Code:       "invalid_session_id",
			Detail:     err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}
	}
	if req.TxnNumber < 0 {
		return txn.Failure{
			Code:       "invalid_txn_number",
			Detail:     "txn_number must be non-negative",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	participants := make([]txn.Participant, 0, len(req.Participants))
	for _, p := range req.Participants {
		if strings.TrimSpace(p.Shard) == "" || strings.TrimSpace(p.Endpoint) == "" {
			return txn.Failure{
				Code:       "invalid_participant",
				Detail:     "each participant needs a shard and an endpoint",
				HTTPStatus: http.StatusBadRequest,
			}
		}
		participants = append(participants, txn.Participant{
			Shard:    p.Shard,
			Endpoint: p.Endpoint,
		})
	}

	decision, err := h.service.CoordinateCommit(r.Context(), session, txn.TxnNumber(req.TxnNumber), participants)
	if err != nil {
		return err
	}
	resp := api.CoordinateCommitResponse{
		SessionID:     session.String(),
		TxnNumber:     req.TxnNumber,
		Decision:      string(decision),
		CorrelationID: correlation.ID(r.Context()),
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

// handleCatalog dumps the active coordinator catalog as plain text for
// operators chasing a stuck drain.
func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		return txn.Failure{
			Code:       "method_not_allowed",
			Detail:     "supported methods: GET",
			HTTPStatus: http.StatusMethodNotAllowed,
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, h.service.CatalogString())
	io.WriteString(w, "\n")
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var failure txn.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		logger.Debug("http.request.failure",
			"status", status,
			"code", failure.Code,
			"detail", failure.Detail,
		)
		resp := api.ErrorResponse{
			ErrorCode:  failure.Code,
			Detail:     failure.Detail,
			RetryAfter: failure.RetryAfter,
		}
		headers := map[string]string{}
		if failure.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(failure.RetryAfter, 10)
		}
		h.writeJSON(w, status, resp, headers)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		h.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{
			ErrorCode: "request_cancelled",
			Detail:    "request context ended before the coordination completed",
		}, nil)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func decodeJSON(body io.Reader, out any) error {
	dec := json.NewDecoder(io.LimitReader(body, coordinateBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	// Trailing content means a malformed or concatenated payload.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing content in request body")
	}
	return nil
}
