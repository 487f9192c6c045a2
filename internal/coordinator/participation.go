// Package coordinator provides the federated round server.
// This file implements participation monitoring for the client population.
package coordinator

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/flsim/internal/client"
)

// Client participation statuses.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ClientHealth tracks how one client has fared when selected for training.
// It maintains the current status, round bookkeeping, and failure count.
// Thread-safe: Protected by ParticipationMonitor's mutex when accessed.
type ClientHealth struct {
	ClientID         int    `json:"client_id"`         // Client identifier
	Status           string `json:"status"`            // Current status: "healthy", "unhealthy", "unknown"
	Selected         int    `json:"selected"`          // Rounds in which the client was selected
	Successes        int    `json:"successes"`         // Rounds in which it trained successfully
	ConsecutiveFails int    `json:"consecutive_fails"` // Failed rounds since the last success
	LastRound        int    `json:"last_round"`        // Last round the client took part in
	BenchedUntil     int    `json:"benched_until"`     // First round it is eligible again while unhealthy
	LastError        string `json:"last_error,omitempty"`
}

// ParticipationMonitor records per-client training outcomes and benches
// clients that keep failing. A benched client is withheld from selection
// for a cooldown number of rounds and is then offered again.
// Thread-safe: All methods are safe for concurrent access.
type ParticipationMonitor struct {
	clients     map[int]*ClientHealth // Current status per client
	onUnhealthy func(clientID int)    // Callback when a client becomes unhealthy
	logger      logrus.FieldLogger    // Structured log sink
	mu          sync.RWMutex          // Protects clients map
	maxFailures int                   // Consecutive failures before benching; 0 disables
	cooldown    int                   // Rounds a benched client sits out
}

// NewParticipationMonitor creates a monitor that benches a client after
// maxFailures consecutive failed rounds, for cooldown rounds.
//
// Parameters:
//   - maxFailures: Consecutive failures before benching (0 disables benching)
//   - cooldown: Rounds a benched client is excluded from selection (values below 1 become 1)
//   - logger: Destination for status change logs (nil uses the standard logger)
//
// Example:
//
//	monitor := NewParticipationMonitor(3, 2, logger)
//	srv, err := NewServer(global, testSet, sel, agg, logger, Options{Monitor: monitor})
func NewParticipationMonitor(maxFailures, cooldown int, logger logrus.FieldLogger) *ParticipationMonitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ParticipationMonitor{
		clients:     make(map[int]*ClientHealth),
		logger:      logger,
		maxFailures: max(maxFailures, 0),
		cooldown:    max(cooldown, 1),
	}
}

// SetOnUnhealthy sets the callback invoked when a client becomes unhealthy.
// The callback runs synchronously after the monitor's lock is released.
//
// Example:
//
//	monitor.SetOnUnhealthy(func(clientID int) {
//	    logger.WithField("client", clientID).Warn("client benched")
//	})
func (p *ParticipationMonitor) SetOnUnhealthy(callback func(clientID int)) {
	p.mu.Lock()
	p.onUnhealthy = callback
	p.mu.Unlock()
}

// get returns the record for id, creating it. Caller holds p.mu.
func (p *ParticipationMonitor) get(id int) *ClientHealth {
	h, ok := p.clients[id]
	if !ok {
		h = &ClientHealth{ClientID: id, Status: StatusUnknown, LastRound: -1}
		p.clients[id] = h
	}
	return h
}

// RecordSuccess marks a successful training round for a client. A benched
// client that succeeds is healthy again.
func (p *ParticipationMonitor) RecordSuccess(round, clientID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.get(clientID)
	if h.Status == StatusUnhealthy {
		p.logger.WithFields(logrus.Fields{"client": clientID, "round": round}).Info("client recovered")
	}
	h.Selected++
	h.Successes++
	h.ConsecutiveFails = 0
	h.LastRound = round
	h.LastError = ""
	h.Status = StatusHealthy
}

// RecordFailure marks a failed training round for a client and benches it
// once it reaches maxFailures consecutive failures.
//
// Implementation:
//  1. Get or create the client's record
//  2. Increment the consecutive failure count
//  3. Bench the client if the threshold is reached
//  4. Trigger the unhealthy callback on a state change
func (p *ParticipationMonitor) RecordFailure(round, clientID int, err error) {
	p.mu.Lock()
	h := p.get(clientID)
	h.Selected++
	h.ConsecutiveFails++
	h.LastRound = round
	if err != nil {
		h.LastError = err.Error()
	}
	p.logger.WithFields(logrus.Fields{
		"client":  clientID,
		"round":   round,
		"attempt": h.ConsecutiveFails,
		"limit":   p.maxFailures,
	}).WithError(err).Warn("client training failed")

	var callback func(int)
	if p.maxFailures > 0 && h.ConsecutiveFails >= p.maxFailures {
		previous := h.Status
		h.Status = StatusUnhealthy
		h.BenchedUntil = round + 1 + p.cooldown
		if previous != StatusUnhealthy {
			p.logger.WithFields(logrus.Fields{
				"client":        clientID,
				"failures":      h.ConsecutiveFails,
				"benched_until": h.BenchedUntil,
			}).Warn("client marked unhealthy")
			callback = p.onUnhealthy
		}
	}
	p.mu.Unlock()

	if callback != nil {
		callback(clientID)
	}
}

// Eligible drops clients that are benched for round. A client whose
// cooldown has ended is returned with its failure count intact, so one
// more failure benches it again.
func (p *ParticipationMonitor) Eligible(round int, clients []*client.Client) []*client.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*client.Client, 0, len(clients))
	for _, c := range clients {
		h, ok := p.clients[c.ID]
		if ok && h.Status == StatusUnhealthy && round < h.BenchedUntil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// GetClientHealth returns the current record of a client.
// Returns nil if the client has never been selected.
func (p *ParticipationMonitor) GetClientHealth(clientID int) *ClientHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.clients[clientID]
	if !ok {
		return nil
	}
	// Return a copy to prevent external modification
	cp := *h
	return &cp
}

// GetAllClientHealth returns the records of every client seen so far.
func (p *ParticipationMonitor) GetAllClientHealth() map[int]*ClientHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[int]*ClientHealth, len(p.clients))
	for id, h := range p.clients {
		cp := *h
		result[id] = &cp
	}
	return result
}

// IsHealthy returns whether a client's last round succeeded.
// Returns false if the client has never been selected.
func (p *ParticipationMonitor) IsHealthy(clientID int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h, ok := p.clients[clientID]
	return ok && h.Status == StatusHealthy
}
