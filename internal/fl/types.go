// Package fl holds the entities shared by every part of the federated loop:
// round result tuples, per-round reports and the error taxonomy.
package fl

import (
	"time"

	"github.com/dreamware/flsim/internal/params"
)

// Result is one client's contribution to a round: the parameters it produced
// and the number of local training samples behind them. It lives for a single
// aggregation and is never retained.
type Result struct {
	ClientID int
	Params   params.Set
	Weight   float64
}

// ClientReport records what happened to one selected client in a round.
type ClientReport struct {
	ClientID   int     `json:"client_id"`
	Samples    int     `json:"samples"`
	Accuracy   float64 `json:"accuracy"`
	F1         float64 `json:"f1"`
	Loss       float64 `json:"loss"`
	Attempts   int     `json:"attempts"`
	Err        string  `json:"error,omitempty"`
	Aggregated bool    `json:"aggregated"`
}

// Failed reports whether the client was dropped from aggregation because of
// an error.
func (c ClientReport) Failed() bool {
	return c.Err != ""
}

// RoundReport summarises one round as seen by the server.
type RoundReport struct {
	Round     int            `json:"round"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Skipped   bool           `json:"skipped"`
	Clients   []ClientReport `json:"clients"`
	Accuracy  float64        `json:"accuracy"`
	F1        float64        `json:"f1"`
	Evaluated bool           `json:"evaluated"`
}

// Selected returns the IDs of every client chosen for the round.
func (r RoundReport) Selected() []int {
	ids := make([]int, len(r.Clients))
	for i, c := range r.Clients {
		ids[i] = c.ClientID
	}
	return ids
}

// FailedIDs returns the IDs of selected clients that were dropped.
func (r RoundReport) FailedIDs() []int {
	var ids []int
	for _, c := range r.Clients {
		if c.Failed() {
			ids = append(ids, c.ClientID)
		}
	}
	return ids
}
