// Package coordinator implements the federated server: the owner of the
// global model and the round loop that turns a client population into a
// sequence of aggregated global parameter sets.
//
// # Overview
//
// The Server is the single writer of the global parameters. Clients only
// ever receive copies, and the server only ever reads copies back. Each
// call to Update runs one round; Evaluate scores the resulting global
// model on a held-out test set.
//
// # Round State Machine
//
//	      ┌────────────────────────────────────────────┐
//	      ▼                                            │
//	   ┌──────┐   ┌───────────┐   ┌──────────┐   ┌─────────────┐
//	   │ IDLE │──►│ SELECTING │──►│ TRAINING │──►│ AGGREGATING │
//	   └──────┘   └───────────┘   └──────────┘   └─────────────┘
//	      ▲             │ nobody eligible                │
//	      │             └──────────► skipped ────────────┤
//	      │                                              ▼
//	      │                                       ┌────────────┐
//	      └───────────────────────────────────────│ EVALUATING │
//	                                              └────────────┘
//
// SELECTING: clients with an empty train shard and clients benched by the
// ParticipationMonitor are filtered out, then the Selector picks a subset.
// An empty pick skips the round with a warning; nothing else changes.
//
// TRAINING: every selected client is reset to the round's global
// parameters, trains for its configured epochs and then tests on its local
// test shard. Clients run on a bounded errgroup worker pool; with one
// worker the round is fully sequential and reproducible. A failed attempt
// can be retried with exponential backoff, and every retry restarts from
// the global parameters. An optional round timeout drops clients that do
// not finish in time. The phase ends at a barrier: aggregation never sees
// a partial set of results.
//
// AGGREGATING: successful clients contribute (parameters, train samples)
// to the Aggregator, which falls back to the current global set when
// nothing usable arrived. The result becomes the new global set and a copy
// is pushed to every client in the population, selected or not. A
// checkpoint is saved when a Store is configured.
//
// EVALUATING: Evaluate scores the global model and attaches accuracy and
// macro F1 to the round report and checkpoint.
//
// # Failure Handling
//
// Errors inside one client are isolated: the client is logged, recorded by
// the ParticipationMonitor and excluded from the round's weight. Shape
// mismatches between a client's parameters and the global set, and
// cancellation of the caller's context, abort the round and are returned.
//
// # Participation Monitoring
//
// ParticipationMonitor tracks selections, successes and consecutive
// failures per client. After MaxFailures consecutive failures a client is
// benched for a cooldown number of rounds and an optional callback fires.
//
// # Usage Example
//
//	monitor := coordinator.NewParticipationMonitor(3, 2, logger)
//	srv, err := coordinator.NewServer(global, test.Samples, sel, agg, logger, coordinator.Options{
//	    Workers: 4,
//	    Retries: 1,
//	    Monitor: monitor,
//	    Store:   storage.NewMemoryStore(),
//	})
//	if err != nil {
//	    return err
//	}
//	for round := 0; round < rounds; round++ {
//	    if clients, err = srv.Update(ctx, clients); err != nil {
//	        return err
//	    }
//	    acc, f1, err := srv.Evaluate()
//	    ...
//	}
package coordinator
