// Package commitd exposes the Go APIs behind the transaction coordination
// daemon for sharded deployments. A commitd node drives two-phase commit on
// behalf of clients: it collects prepare votes from every participant shard,
// decides commit or abort, broadcasts the decision until it is acknowledged,
// and tracks every in-flight coordination in a per-term catalog.
//
// # Running a server
//
// The server listens on the network specified by Config.ListenProto (default
// "tcp") and address Config.Listen.
//
//	cfg := commitd.Config{Listen: ":9351"}
//	srv, err := commitd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("commitd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Start performs step-up recovery before admitting traffic: in-doubt
// coordinations from the previous term are resumed first, so a client retry
// always lands on the coordinator that owns its transaction. Requests that
// arrive during recovery wait on the catalog's step-up gate rather than
// racing it.
//
// # Coordinating a commit
//
// Clients POST /v1/txn/coordinate-commit with a session ID, a transaction
// number, and the participant shards. The call blocks until the decision is
// terminal and idempotently joins an existing coordination on retry. A
// request for a transaction number lower than the session's active latest is
// rejected with txn_too_old; a higher number supersedes and aborts the older
// coordination.
//
// # Shutdown
//
// Shutdown stops admitting requests and waits for the catalog to drain.
// While draining, the server logs the sessions still holding it up every
// Config.JoinWarnInterval. When the shutdown context ends first, the
// remaining coordinations are cancelled.
package commitd
