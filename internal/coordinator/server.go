package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/flsim/internal/aggregator"
	"github.com/dreamware/flsim/internal/client"
	"github.com/dreamware/flsim/internal/dataset"
	"github.com/dreamware/flsim/internal/fl"
	"github.com/dreamware/flsim/internal/model"
	"github.com/dreamware/flsim/internal/params"
	"github.com/dreamware/flsim/internal/selector"
	"github.com/dreamware/flsim/internal/storage"
)

// State is the server's position in the round state machine.
type State int32

const (
	StateIdle State = iota
	StateSelecting
	StateTraining
	StateAggregating
	StateEvaluating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSelecting:
		return "SELECTING"
	case StateTraining:
		return "TRAINING"
	case StateAggregating:
		return "AGGREGATING"
	case StateEvaluating:
		return "EVALUATING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options tunes a Server. The zero value trains sequentially with no
// timeout, no retries and no checkpointing.
type Options struct {
	Workers       int                   // Concurrent client trainings; <1 means 1
	RoundTimeout  time.Duration         // Deadline for the training phase; 0 disables
	Retries       int                   // Extra training attempts per client
	RetryInterval time.Duration         // Initial backoff between attempts
	Criterion     model.Criterion       // Loss used for server evaluation
	RunID         string                // Stamped on checkpoints
	Store         storage.Store         // Checkpoint destination; nil disables
	Monitor       *ParticipationMonitor // Benches failing clients; nil disables
}

// Server owns the global model and runs federated rounds over a client
// population. It is the only writer of the global parameters.
// Thread-safe: Accessors may be called while a round is in progress.
type Server struct {
	mu      sync.RWMutex     // Protects global and history
	global  model.Learner    // Authoritative global model
	history []fl.RoundReport // One report per finished round
	round   int              // Index of the next round

	testSet    []dataset.Sample
	selector   selector.Selector
	aggregator aggregator.Aggregator
	logger     logrus.FieldLogger
	opts       Options
	state      atomic.Int32
}

// NewServer creates a server around its own copy of global.
//
// Parameters:
//   - global: Initial global model, cloned
//   - testSet: Held-out samples for Evaluate
//   - sel: Client selection strategy
//   - agg: Aggregation strategy
//   - logger: Structured logger (nil uses the standard logger)
//   - opts: Concurrency, retry and checkpoint settings
//
// Returns:
//   - *Server: Idle server ready for round 0
//   - error: If a required collaborator is missing
func NewServer(global model.Learner, testSet []dataset.Sample, sel selector.Selector, agg aggregator.Aggregator, logger logrus.FieldLogger, opts Options) (*Server, error) {
	if global == nil || sel == nil || agg == nil {
		return nil, fmt.Errorf("server needs a model, a selector and an aggregator")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Criterion == nil {
		opts.Criterion = model.CrossEntropy{}
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	return &Server{
		global:     global.Clone(),
		testSet:    testSet,
		selector:   sel,
		aggregator: agg,
		logger:     logger,
		opts:       opts,
	}, nil
}

// State returns the current phase of the round state machine.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// Round returns the index of the next round to run.
func (s *Server) Round() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// SetRound moves the round counter, used when resuming from a checkpoint.
func (s *Server) SetRound(round int) {
	s.mu.Lock()
	s.round = round
	s.mu.Unlock()
}

// Monitor returns the participation monitor, or nil.
func (s *Server) Monitor() *ParticipationMonitor {
	return s.opts.Monitor
}

// Selector returns the active selection strategy.
func (s *Server) Selector() selector.Selector {
	return s.selector
}

// Aggregator returns the active aggregation strategy.
func (s *Server) Aggregator() aggregator.Aggregator {
	return s.aggregator
}

// GetServerParameters returns a copy of the global parameters.
func (s *Server) GetServerParameters() params.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global.Parameters()
}

// SetServerParameters replaces the global parameters. Keys and shapes must
// match the current global set exactly.
func (s *Server) SetServerParameters(p params.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.global.SetParameters(p); err != nil {
		return fmt.Errorf("set server parameters: %w", err)
	}
	return nil
}

// SetServerValues loads raw arrays positionally against the current key
// order.
func (s *Server) SetServerValues(values [][]float64) error {
	p, err := params.FromValues(s.GetServerParameters(), values)
	if err != nil {
		return fmt.Errorf("set server values: %w", err)
	}
	return s.SetServerParameters(p)
}

// LoadModel copies every parameter of m into the global model.
func (s *Server) LoadModel(m model.Learner) error {
	return s.SetServerParameters(m.Parameters())
}

// History returns a copy of the finished round reports.
func (s *Server) History() []fl.RoundReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]fl.RoundReport, len(s.history))
	for i, r := range s.history {
		r.Clients = append([]fl.ClientReport(nil), r.Clients...)
		out[i] = r
	}
	return out
}

// Evaluate scores the global model on the held-out test set. The scores are
// attached to the latest round report and its checkpoint.
func (s *Server) Evaluate() (accuracy, f1 float64, err error) {
	s.setState(StateEvaluating)
	defer s.setState(StateIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.global.Test(s.testSet, s.opts.Criterion)
	if err != nil {
		return 0, 0, fmt.Errorf("evaluate global model: %w", err)
	}
	if n := len(s.history); n > 0 && !s.history[n-1].Evaluated {
		last := &s.history[n-1]
		last.Accuracy, last.F1, last.Evaluated = m.Accuracy, m.F1, true
		if s.opts.Store != nil && !last.Skipped {
			s.checkpoint(last.Round, m.Accuracy, m.F1)
		}
	}
	return m.Accuracy, m.F1, nil
}

// outcome is one selected client's result after the training barrier.
type outcome struct {
	report fl.ClientReport
	params params.Set
	err    error // Recoverable failure, client is dropped
	fatal  error // Shape mismatch while loading the global set
}

// Update runs one federated round over clients and returns the same slice.
//
// The round selects among clients with training data that are not benched,
// resets every selected client to the global parameters, trains and tests
// them in parallel, aggregates the successful results into a new global
// set, and broadcasts a copy of it to the whole population. A round with
// nobody to select is skipped with a warning. Client failures are isolated;
// shape mismatches and cancellation of ctx are returned as errors.
func (s *Server) Update(ctx context.Context, clients []*client.Client) ([]*client.Client, error) {
	defer s.setState(StateIdle)
	round := s.Round()
	report := fl.RoundReport{Round: round, StartedAt: time.Now()}
	log := s.logger.WithField("round", round)

	// SELECTING
	s.setState(StateSelecting)
	eligible := client.Eligible(clients)
	if s.opts.Monitor != nil {
		eligible = s.opts.Monitor.Eligible(round, eligible)
	}
	selected, err := s.selector.Select(eligible)
	if err != nil && !errors.Is(err, fl.ErrEmptyPopulation) {
		return clients, fmt.Errorf("round %d: select clients: %w", round, err)
	}
	if len(selected) == 0 {
		log.WithFields(logrus.Fields{
			"population": len(clients),
			"eligible":   len(eligible),
		}).Warn("no clients selected, skipping round")
		report.Skipped = true
		s.finish(report)
		return clients, nil
	}
	log.WithFields(logrus.Fields{
		"selector": s.selector.Name(),
		"selected": idsOf(selected),
	}).Info("clients selected")

	// TRAINING
	s.setState(StateTraining)
	global := s.GetServerParameters()
	outcomes, err := s.train(ctx, round, selected, global)
	if err != nil {
		return clients, fmt.Errorf("round %d: %w", round, err)
	}

	// AGGREGATING
	s.setState(StateAggregating)
	results := make([]fl.Result, 0, len(outcomes))
	for i := range outcomes {
		o := &outcomes[i]
		entry := log.WithField("client", o.report.ClientID)
		switch {
		case o.err != nil:
			o.report.Err = o.err.Error()
			if s.opts.Monitor != nil {
				s.opts.Monitor.RecordFailure(round, o.report.ClientID, o.err)
			} else {
				entry.WithError(o.err).Warn("client dropped from round")
			}
		default:
			if s.opts.Monitor != nil {
				s.opts.Monitor.RecordSuccess(round, o.report.ClientID)
			}
			entry.WithFields(logrus.Fields{
				"accuracy": o.report.Accuracy,
				"f1":       o.report.F1,
				"loss":     o.report.Loss,
				"samples":  o.report.Samples,
			}).Info("client trained")
			if o.report.Samples > 0 {
				o.report.Aggregated = true
				results = append(results, fl.Result{
					ClientID: o.report.ClientID,
					Params:   o.params,
					Weight:   float64(o.report.Samples),
				})
			}
		}
		report.Clients = append(report.Clients, o.report)
	}

	next, err := s.aggregator.Aggregate(results, global)
	if err != nil {
		return clients, fmt.Errorf("round %d: %w", round, err)
	}
	if err := s.SetServerParameters(next); err != nil {
		return clients, fmt.Errorf("round %d: %w", round, err)
	}
	for _, c := range clients {
		if err := c.SetParameters(next); err != nil {
			return clients, fmt.Errorf("round %d: broadcast to client %d: %w", round, c.ID, err)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	log.WithFields(logrus.Fields{
		"aggregated": len(results),
		"failed":     len(report.FailedIDs()),
		"duration":   report.Duration.String(),
	}).Info("round aggregated")

	s.mu.Lock()
	if s.opts.Store != nil {
		s.checkpointParams(round, next, 0, 0)
	}
	s.mu.Unlock()
	s.finish(report)
	return clients, nil
}

// finish appends the report and advances the round counter.
func (s *Server) finish(report fl.RoundReport) {
	if report.Duration == 0 {
		report.Duration = time.Since(report.StartedAt)
	}
	s.mu.Lock()
	s.history = append(s.history, report)
	s.round = report.Round + 1
	s.mu.Unlock()
}

// train fans selected clients out over the worker pool and waits for all
// of them. Outcomes are returned in selection order.
func (s *Server) train(ctx context.Context, round int, selected []*client.Client, global params.Set) ([]outcome, error) {
	roundCtx := ctx
	if s.opts.RoundTimeout > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, s.opts.RoundTimeout)
		defer cancel()
	}

	outcomes := make([]outcome, len(selected))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, c := range selected {
		g.Go(func() error {
			outcomes[i] = s.trainClient(roundCtx, c, global)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		if o.fatal != nil {
			return nil, o.fatal
		}
	}
	if roundCtx.Err() != nil {
		s.logger.WithFields(logrus.Fields{
			"round":   round,
			"timeout": s.opts.RoundTimeout.String(),
		}).Warn("round timeout reached, unfinished clients dropped")
	}
	return outcomes, nil
}

// trainClient resets c to the global parameters, trains it with retries
// and evaluates it locally.
func (s *Server) trainClient(ctx context.Context, c *client.Client, global params.Set) outcome {
	o := outcome{report: fl.ClientReport{ClientID: c.ID, Samples: c.NumSamples()}}

	var policy backoff.BackOff = &backoff.ZeroBackOff{}
	if s.opts.Retries > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = s.opts.RetryInterval
		exp.MaxInterval = 20 * s.opts.RetryInterval
		exp.MaxElapsedTime = 0
		policy = exp
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(s.opts.Retries, 0))), ctx)

	err := backoff.Retry(func() error {
		o.report.Attempts++
		if err := c.SetParameters(global); err != nil {
			o.fatal = fmt.Errorf("reset client %d: %w", c.ID, err)
			return backoff.Permanent(o.fatal)
		}
		_, err := c.Train(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if o.fatal != nil {
		return o
	}
	if err != nil {
		o.err = err
		return o
	}

	m, err := c.Test()
	switch {
	case client.NoTestData(err):
	case err != nil:
		o.err = err
		return o
	default:
		o.report.Accuracy, o.report.F1, o.report.Loss = m.Accuracy, m.F1, m.Loss
	}
	o.params = c.GetParameters()
	return o
}

// checkpoint saves the current global parameters for round. Caller holds
// s.mu.
func (s *Server) checkpoint(round int, accuracy, f1 float64) {
	s.checkpointParams(round, s.global.Parameters(), accuracy, f1)
}

func (s *Server) checkpointParams(round int, p params.Set, accuracy, f1 float64) {
	err := s.opts.Store.Save(storage.Checkpoint{
		RunID:    s.opts.RunID,
		Round:    round,
		Params:   p,
		Accuracy: accuracy,
		F1:       f1,
		SavedAt:  time.Now(),
	})
	if err != nil {
		s.logger.WithField("round", round).WithError(err).Error("checkpoint save failed")
	}
}

func idsOf(clients []*client.Client) []int {
	ids := make([]int, len(clients))
	for i, c := range clients {
		ids[i] = c.ID
	}
	return ids
}
