package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/txn"
	"pkt.systems/commitd/internal/txncoord"
)

func newTestHandler(t *testing.T) (*Handler, *txncoord.Service) {
	t.Helper()
	svc := txncoord.NewService(txncoord.Config{
		JoinWarnInterval: time.Hour,
		Retry: txncoord.RetryPolicy{
			Timeout:     2 * time.Second,
			MaxAttempts: 2,
			BaseDelay:   5 * time.Millisecond,
		},
	})
	return New(Config{Service: svc}), svc
}

func postCoordinate(t *testing.T, h *Handler, req api.CoordinateCommitRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/v1/txn/coordinate-commit", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	return w
}

// startCoordinate fires a coordinate-commit request on its own goroutine,
// for tests that need an in-flight coordination.
func startCoordinate(h *Handler, req api.CoordinateCommitRequest) {
	body, _ := json.Marshal(req)
	go func() {
		r := httptest.NewRequest(http.MethodPost, "/v1/txn/coordinate-commit", bytes.NewReader(body))
		w := httptest.NewRecorder()
		h.Router().ServeHTTP(w, r)
	}()
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestCoordinateCommitNoParticipants(t *testing.T) {
	h, svc := newTestHandler(t)
	if err := svc.StepUp(t.Context()); err != nil {
		t.Fatalf("StepUp: %v", err)
	}

	session := txn.NewSessionID()
	w := postCoordinate(t, h, api.CoordinateCommitRequest{
		SessionID: session.String(),
		TxnNumber: 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp api.CoordinateCommitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision != "commit" {
		t.Fatalf("decision = %q, want commit", resp.Decision)
	}
	if resp.SessionID != session.String() || resp.TxnNumber != 1 {
		t.Fatalf("response echoes wrong txn: %+v", resp)
	}
	if resp.CorrelationID == "" {
		t.Fatalf("response is missing its correlation id")
	}
}

func TestCoordinateCommitValidation(t *testing.T) {
	h, svc := newTestHandler(t)
	if err := svc.StepUp(t.Context()); err != nil {
		t.Fatalf("StepUp: %v", err)
	}

	cases := []struct {
		name string
		req  api.CoordinateCommitRequest
		code string
	}{
		{
			name: "bad session id",
			req:  api.CoordinateCommitRequest{SessionID: "not-a-uuid", TxnNumber: 1},
			code: "invalid_session_id",
		},
		{
			name: "negative txn number",
			req:  api.CoordinateCommitRequest{SessionID: txn.NewSessionID().String(), TxnNumber: -1},
			code: "invalid_txn_number",
		},
		{
			name: "participant without endpoint",
			req: api.CoordinateCommitRequest{
				SessionID:    txn.NewSessionID().String(),
				TxnNumber:    1,
				Participants: []api.Participant{{Shard: "shard-a"}},
			},
			code: "invalid_participant",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postCoordinate(t, h, tc.req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if resp := decodeError(t, w); resp.ErrorCode != tc.code {
				t.Fatalf("error code = %q, want %q", resp.ErrorCode, tc.code)
			}
		})
	}
}

func TestCoordinateCommitRejectsMalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)
	r := httptest.NewRequest(http.MethodPost, "/v1/txn/coordinate-commit",
		strings.NewReader(`{"session_id": "x", "bogus_field": true}`))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeError(t, w); resp.ErrorCode != "invalid_request" {
		t.Fatalf("error code = %q, want invalid_request", resp.ErrorCode)
	}
}

func TestCoordinateCommitMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/v1/txn/coordinate-commit", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", allow)
	}
}

func TestCoordinateCommitTxnTooOldMapsToConflict(t *testing.T) {
	h, svc := newTestHandler(t)
	if err := svc.StepUp(t.Context()); err != nil {
		t.Fatalf("StepUp: %v", err)
	}
	session := txn.NewSessionID()

	// An in-flight txn 5 makes the session's latest active.
	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server arms its background read; without
		// it a client disconnect never cancels the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(stuck.Close)
	startCoordinate(h, api.CoordinateCommitRequest{
		SessionID:    session.String(),
		TxnNumber:    5,
		Participants: []api.Participant{{Shard: "shard-a", Endpoint: stuck.URL}},
	})
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(svc.CatalogString(), session.String()) {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight txn never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w := postCoordinate(t, h, api.CoordinateCommitRequest{
		SessionID: session.String(),
		TxnNumber: 4,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if resp := decodeError(t, w); resp.ErrorCode != txn.CodeTxnTooOld {
		t.Fatalf("error code = %q, want %q", resp.ErrorCode, txn.CodeTxnTooOld)
	}

	if err := svc.StepDown(t.Context()); err != nil {
		t.Fatalf("StepDown: %v", err)
	}
}

func TestCorrelationIDEchoedFromRequest(t *testing.T) {
	h, svc := newTestHandler(t)
	if err := svc.StepUp(t.Context()); err != nil {
		t.Fatalf("StepUp: %v", err)
	}
	body, _ := json.Marshal(api.CoordinateCommitRequest{
		SessionID: txn.NewSessionID().String(),
		TxnNumber: 1,
	})
	r := httptest.NewRequest(http.MethodPost, "/v1/txn/coordinate-commit", bytes.NewReader(body))
	r.Header.Set("X-Correlation-Id", "client-supplied-id")
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if got := w.Header().Get("X-Correlation-Id"); got != "client-supplied-id" {
		t.Fatalf("correlation header = %q, want client-supplied-id", got)
	}
}

func TestCatalogEndpointListsActiveSessions(t *testing.T) {
	h, svc := newTestHandler(t)
	if err := svc.StepUp(t.Context()); err != nil {
		t.Fatalf("StepUp: %v", err)
	}
	session := txn.NewSessionID()

	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(stuck.Close)
	startCoordinate(h, api.CoordinateCommitRequest{
		SessionID:    session.String(),
		TxnNumber:    9,
		Participants: []api.Participant{{Shard: "shard-a", Endpoint: stuck.URL}},
	})
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(svc.CatalogString(), session.String()) {
		if time.Now().After(deadline) {
			t.Fatalf("in-flight txn never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r := httptest.NewRequest(http.MethodGet, "/v1/txn/catalog", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), session.String()) {
		t.Fatalf("catalog dump missing session: %s", w.Body.String())
	}

	if err := svc.StepDown(t.Context()); err != nil {
		t.Fatalf("StepDown: %v", err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.Router().ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, w.Code)
		}
	}
}
