package commitd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/commitd/api"
	"pkt.systems/commitd/internal/txn"
	"pkt.systems/commitd/internal/txncoord"
)

func startTestServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	cfg := Config{
		Listen:                    "127.0.0.1:0",
		ParticipantTimeout:        2 * time.Second,
		ParticipantMaxAttempts:    2,
		ParticipantRetryBaseDelay: 5 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := stop(stopCtx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return srv, "http://" + srv.ListenerAddr().String()
}

func TestServerCoordinatesCommitEndToEnd(t *testing.T) {
	participant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/txn/prepare":
			json.NewEncoder(w).Encode(api.PrepareResponse{Vote: api.VoteCommit})
		case "/v1/txn/commit":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(participant.Close)

	_, base := startTestServer(t)

	body, _ := json.Marshal(api.CoordinateCommitRequest{
		SessionID: txn.NewSessionID().String(),
		TxnNumber: 1,
		Participants: []api.Participant{
			{Shard: "shard-a", Endpoint: participant.URL},
		},
	})
	resp, err := http.Post(base+"/v1/txn/coordinate-commit", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST coordinate-commit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out api.CoordinateCommitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Decision != "commit" {
		t.Fatalf("decision = %q, want commit", out.Decision)
	}
}

func TestServerRecoversInDoubtOnStart(t *testing.T) {
	participant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/txn/prepare":
			json.NewEncoder(w).Encode(api.PrepareResponse{Vote: api.VoteCommit})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(participant.Close)

	session := txn.NewSessionID()
	store := txncoord.NewMemoryRecoveryStore()
	store.Add(txncoord.RecoveryRecord{
		Session:   session,
		TxnNumber: 2,
		Participants: []txn.Participant{
			{Shard: "shard-a", Endpoint: participant.URL},
		},
	})

	_, base := startTestServer(t, WithRecoveryStore(store))

	// A retry for the recovered transaction joins the resumed coordination.
	body, _ := json.Marshal(api.CoordinateCommitRequest{
		SessionID: session.String(),
		TxnNumber: 2,
	})
	resp, err := http.Post(base+"/v1/txn/coordinate-commit", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST coordinate-commit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out api.CoordinateCommitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Decision != "commit" {
		t.Fatalf("decision = %q, want commit", out.Decision)
	}
}

func TestServerHealthAndCatalogEndpoints(t *testing.T) {
	_, base := startTestServer(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/txn/catalog"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	cfg := Config{Listen: "127.0.0.1:0"}
	srv, stop, err := StartServer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestServerConfigValidationSurfacesInNewServer(t *testing.T) {
	_, err := NewServer(Config{ListenProto: "carrier-pigeon"})
	if err == nil {
		t.Fatalf("expected config error")
	}
}

func ExampleStartServer() {
	srv, stop, err := StartServer(context.Background(), Config{Listen: "127.0.0.1:0"})
	if err != nil {
		fmt.Println("start:", err)
		return
	}
	_ = srv
	if err := stop(context.Background()); err != nil {
		fmt.Println("stop:", err)
		return
	}
	fmt.Println("stopped")
	// Output: stopped
}
