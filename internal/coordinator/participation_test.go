// Package coordinator provides the federated round server.
// This file contains tests for the participation monitor.
package coordinator

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/flsim/internal/client"
	"github.com/dreamware/flsim/internal/dataset"
	"github.com/dreamware/flsim/internal/model"
	"github.com/dreamware/flsim/internal/shard"
)

func population(t *testing.T, n int) []*client.Client {
	t.Helper()
	m, err := model.NewMLP(2, nil, 2, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	out := make([]*client.Client, n)
	for i := range out {
		sh := shard.NewShard(i, make([]dataset.Sample, 1), nil)
		out[i] = client.New(i, sh, m, client.Hyper{}, nil)
	}
	return out
}

// TestNewParticipationMonitor verifies that defaults are applied.
func TestNewParticipationMonitor(t *testing.T) {
	monitor := NewParticipationMonitor(3, 0, nil)

	assert.NotNil(t, monitor)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.Equal(t, 1, monitor.cooldown, "cooldown is at least one round")
	assert.NotNil(t, monitor.logger)
	assert.Len(t, monitor.clients, 0)

	assert.Equal(t, 0, NewParticipationMonitor(-2, 1, nil).maxFailures)
}

// TestParticipationStatusTransitions walks a client through failure,
// benching and recovery.
func TestParticipationStatusTransitions(t *testing.T) {
	logger, hook := test.NewNullLogger()
	monitor := NewParticipationMonitor(2, 2, logger)
	errBoom := errors.New("boom")

	assert.Nil(t, monitor.GetClientHealth(7))
	assert.False(t, monitor.IsHealthy(7))

	monitor.RecordSuccess(0, 7)
	assert.True(t, monitor.IsHealthy(7))

	monitor.RecordFailure(1, 7, errBoom)
	h := monitor.GetClientHealth(7)
	require.NotNil(t, h)
	assert.Equal(t, StatusHealthy, h.Status, "one failure is below the threshold")
	assert.Equal(t, "boom", h.LastError)

	monitor.RecordFailure(2, 7, errBoom)
	h = monitor.GetClientHealth(7)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, 2, h.ConsecutiveFails)
	assert.Equal(t, 5, h.BenchedUntil)
	assert.Equal(t, 2, h.LastRound)

	var sawUnhealthy bool
	for _, e := range hook.AllEntries() {
		if e.Message == "client marked unhealthy" {
			sawUnhealthy = true
			assert.Equal(t, 7, e.Data["client"])
		}
	}
	assert.True(t, sawUnhealthy)

	monitor.RecordSuccess(5, 7)
	h = monitor.GetClientHealth(7)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, 0, h.ConsecutiveFails)
	assert.Equal(t, 4, h.Selected)
	assert.Equal(t, 2, h.Successes)
	assert.Empty(t, h.LastError)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestParticipationEligible(t *testing.T) {
	clients := population(t, 3)
	monitor := NewParticipationMonitor(1, 2, logrus.New())

	monitor.RecordFailure(4, 1, errors.New("down"))

	tests := []struct {
		round int
		want  []int
	}{
		{round: 5, want: []int{0, 2}},
		{round: 6, want: []int{0, 2}},
		{round: 7, want: []int{0, 1, 2}},
	}
	for _, tt := range tests {
		got := monitor.Eligible(tt.round, clients)
		ids := make([]int, len(got))
		for i, c := range got {
			ids[i] = c.ID
		}
		assert.Equal(t, tt.want, ids, "round %d", tt.round)
	}
}

func TestParticipationDisabled(t *testing.T) {
	clients := population(t, 2)
	monitor := NewParticipationMonitor(0, 1, logrus.New())

	for round := 0; round < 5; round++ {
		monitor.RecordFailure(round, 0, errors.New("down"))
	}
	assert.Len(t, monitor.Eligible(5, clients), 2)
	assert.Equal(t, 5, monitor.GetClientHealth(0).ConsecutiveFails)
	assert.NotEqual(t, StatusUnhealthy, monitor.GetClientHealth(0).Status)
}

// TestParticipationCallback verifies the unhealthy callback fires once per
// transition.
func TestParticipationCallback(t *testing.T) {
	monitor := NewParticipationMonitor(1, 1, logrus.New())
	var calls []int
	monitor.SetOnUnhealthy(func(id int) { calls = append(calls, id) })

	monitor.RecordFailure(0, 3, nil)
	monitor.RecordFailure(1, 3, nil)
	monitor.RecordSuccess(2, 3)
	monitor.RecordFailure(3, 3, nil)

	assert.Equal(t, []int{3, 3}, calls)
}

func TestGetAllClientHealthReturnsCopies(t *testing.T) {
	monitor := NewParticipationMonitor(3, 1, logrus.New())
	monitor.RecordSuccess(0, 1)
	monitor.RecordSuccess(0, 2)

	all := monitor.GetAllClientHealth()
	require.Len(t, all, 2)
	all[1].Status = StatusUnhealthy
	all[1].Successes = 100

	assert.True(t, monitor.IsHealthy(1))
	assert.Equal(t, 1, monitor.GetClientHealth(1).Successes)
}

// TestParticipationConcurrency records outcomes from many goroutines.
func TestParticipationConcurrency(t *testing.T) {
	monitor := NewParticipationMonitor(1000, 1, logrus.New())
	clients := population(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := i % 4
			if i%2 == 0 {
				monitor.RecordSuccess(i, id)
			} else {
				monitor.RecordFailure(i, id, errors.New("x"))
			}
			_ = monitor.Eligible(i, clients)
			_ = monitor.GetAllClientHealth()
		}(i)
	}
	wg.Wait()

	total := 0
	for _, h := range monitor.GetAllClientHealth() {
		total += h.Selected
	}
	assert.Equal(t, 100, total)
}
