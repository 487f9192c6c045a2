// Package storage persists the global model between rounds so that a run
// can be inspected afterwards or resumed after an interruption.
//
// # Overview
//
// The server saves one Checkpoint per completed round: the aggregated
// parameter set together with the run ID, the round index and the server's
// evaluation metrics for that round. Resuming a run loads the latest
// checkpoint into the server before the first round starts.
//
// # Backends
//
// Two implementations satisfy the Store interface:
//
//	┌─────────────────────────────────────┐
//	│          Server / Runner            │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store interface            │
//	│  Save, Load, Latest, Delete, Rounds │
//	└─────────────────────────────────────┘
//	           │               │
//	           ▼               ▼
//	     ┌──────────┐    ┌──────────┐
//	     │  Memory  │    │   File   │
//	     │  Store   │    │  Store   │
//	     └──────────┘    └──────────┘
//
// MemoryStore keeps checkpoints in a map and is the default when no
// checkpoint directory is configured. FileStore writes one gob file per
// round named round-NNNNNN.ckpt.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Parameters are copied on
// the way in and on the way out, so callers may keep mutating their own
// sets after a Save.
//
// # Example
//
//	store, err := storage.NewFileStore("checkpoints")
//	if err != nil {
//	    return err
//	}
//	cp, err := store.Latest()
//	switch {
//	case errors.Is(err, storage.ErrNotFound):
//	    // fresh run
//	case err != nil:
//	    return err
//	default:
//	    server.SetServerParameters(cp.Params)
//	}
package storage
