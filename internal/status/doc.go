// Package status exposes a running simulation over a small read-only
// HTTP/JSON API and provides the client used to query it.
//
// # Endpoints
//
//	GET /health   run ID, next round and current server state
//	GET /rounds   every finished round report
//	GET /model    global parameter layout; ?values=true adds the values
//	GET /clients  per-client data sizes, last metrics and participation
//
// Any other method returns 405. The handler only reads through the
// Server's accessors, which take copies, so it is safe to poll while a
// round is running.
//
// # Usage
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	go status.Serve(ctx, ":8090", status.NewHandler(r), logger)
//
//	snap, err := status.Fetch(ctx, "127.0.0.1:8090")
package status
