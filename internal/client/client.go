// Package client models one federated participant: a private data shard, a
// local copy of the global model, an optimizer whose state persists across
// rounds, and the hyperparameters used for local training.
//
// A client never shares its model with the server. The server reads a copy
// through GetParameters and writes a copy through SetParameters.
package client

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/dreamware/flsim/internal/fl"
	"github.com/dreamware/flsim/internal/model"
	"github.com/dreamware/flsim/internal/params"
	"github.com/dreamware/flsim/internal/shard"
)

// Hyper holds a client's local training hyperparameters.
type Hyper struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Epochs       int
	BatchSize    int
	Criterion    model.Criterion
}

// Client is a federated participant. ID and Shard are fixed at setup.
type Client struct {
	ID    int          // Stable identifier, unique in a run
	Shard *shard.Shard // Private data, never read by the server

	hyper     Hyper
	mu        sync.Mutex // Guards learner, optimizer and rng for a whole train or test
	learner   model.Learner
	optimizer *model.SGD
	rng       *rand.Rand

	stateMu    sync.RWMutex // Guards the fields below; never held while training
	importance float64       // Selection weight override; 0 means shard size
	metrics    model.Metrics // Most recent local test
	evaluated  bool
	trainLoss  float64 // Final epoch loss of the most recent training
	trained    bool
}

// New creates a client around its own deep copy of learner.
func New(id int, sh *shard.Shard, learner model.Learner, hyper Hyper, rng *rand.Rand) *Client {
	if hyper.Criterion == nil {
		hyper.Criterion = model.CrossEntropy{}
	}
	return &Client{
		ID:        id,
		Shard:     sh,
		hyper:     hyper,
		learner:   learner.Clone(),
		optimizer: model.NewSGD(hyper.LearningRate, hyper.Momentum, hyper.WeightDecay),
		rng:       rng,
	}
}

// Hyper returns the client's hyperparameters.
func (c *Client) Hyper() Hyper {
	return c.hyper
}

// NumSamples is the number of local training samples, the client's
// aggregation weight.
func (c *Client) NumSamples() int {
	if c.Shard == nil {
		return 0
	}
	return c.Shard.Len()
}

// GetParameters returns a copy of the local model parameters.
func (c *Client) GetParameters() params.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.learner.Parameters()
}

// SetParameters overwrites the local model with a copy of p.
func (c *Client) SetParameters(p params.Set) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.learner.SetParameters(p)
}

// Train runs the configured number of local epochs on the train shard.
// Errors are wrapped in *fl.ClientTrainingError.
func (c *Client) Train(ctx context.Context) (model.History, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hist, err := c.learner.Train(ctx, c.Shard.TrainingData(), model.TrainOptions{
		Epochs:    c.hyper.Epochs,
		BatchSize: c.hyper.BatchSize,
		Optimizer: c.optimizer,
		Criterion: c.hyper.Criterion,
		Rand:      c.rng,
	})
	if err != nil {
		return hist, &fl.ClientTrainingError{ClientID: c.ID, Phase: "train", Err: err}
	}
	c.stateMu.Lock()
	c.trainLoss = hist.FinalLoss()
	c.trained = true
	c.stateMu.Unlock()
	return hist, nil
}

// Test evaluates the local model on the test shard and remembers the
// result for later selection decisions.
func (c *Client) Test() (model.Metrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.learner.Test(c.Shard.TestData(), c.hyper.Criterion)
	if err != nil {
		return m, &fl.ClientTrainingError{ClientID: c.ID, Phase: "test", Err: err}
	}
	c.stateMu.Lock()
	c.metrics = m
	c.evaluated = true
	c.stateMu.Unlock()
	return m, nil
}

// LastMetrics returns the most recent local test result. ok is false if
// the client has never been tested.
func (c *Client) LastMetrics() (m model.Metrics, ok bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.metrics, c.evaluated
}

// LastLoss returns the final training loss of the most recent local
// training. ok is false if the client has never trained.
func (c *Client) LastLoss() (loss float64, ok bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.trainLoss, c.trained
}

// Importance returns the client's sampling weight: the override when set,
// otherwise the train shard size.
func (c *Client) Importance() float64 {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.importance > 0 {
		return c.importance
	}
	return float64(c.NumSamples())
}

// SetImportance overrides the sampling weight. Non-positive values restore
// the default.
func (c *Client) SetImportance(w float64) {
	c.stateMu.Lock()
	c.importance = w
	c.stateMu.Unlock()
}

// LabelHistogram returns the train label counts over numClasses buckets.
func (c *Client) LabelHistogram(numClasses int) []int {
	return c.Shard.LabelHistogram(numClasses)
}

// NoTestData reports whether err is a test failure caused only by an empty
// local test shard.
func NoTestData(err error) bool {
	var te *fl.ClientTrainingError
	return errors.As(err, &te) && te.Phase == "test" && errors.Is(err, model.ErrNoData)
}

// Eligible filters out clients that have nothing to train on.
func Eligible(clients []*Client) []*Client {
	out := make([]*Client, 0, len(clients))
	for _, c := range clients {
		if c.NumSamples() > 0 {
			out = append(out, c)
		}
	}
	return out
}
