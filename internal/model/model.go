// Package model provides the classifier trained by clients and evaluated by
// the server, along with its optimizer, loss criteria and metrics.
//
// The federated loop only relies on the Learner interface: a model whose
// full state is a params.Set that can be read and overwritten, plus local
// train and test procedures.
package model

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/dreamware/flsim/internal/dataset"
	"github.com/dreamware/flsim/internal/params"
)

// ErrDiverged is returned when training produces a non-finite loss.
var ErrDiverged = errors.New("training diverged: non-finite loss")

// ErrNoData is returned when train or test is called with no samples.
var ErrNoData = errors.New("no samples")

// Learner is a trainable model whose state is a flat parameter set.
type Learner interface {
	// Parameters returns a deep copy of the model's parameters.
	Parameters() params.Set
	// SetParameters overwrites the model's state. The set must match the
	// model's keys and shapes exactly.
	SetParameters(params.Set) error
	// Train runs local epochs over samples.
	Train(ctx context.Context, samples []dataset.Sample, opts TrainOptions) (History, error)
	// Test evaluates the model without changing it.
	Test(samples []dataset.Sample, criterion Criterion) (Metrics, error)
	// Clone returns an independent model with identical parameters.
	Clone() Learner
}

// TrainOptions configures one call to Train.
type TrainOptions struct {
	Epochs    int
	BatchSize int
	Optimizer Optimizer
	Criterion Criterion
	Rand      *rand.Rand // Mini-batch shuffling; nil keeps sample order
	Verbose   bool
}

// History holds the mean training loss of every epoch.
type History struct {
	EpochLoss []float64
	Samples   int // Samples seen per epoch
}

// FinalLoss returns the last epoch's loss, or zero when nothing ran.
func (h History) FinalLoss() float64 {
	if len(h.EpochLoss) == 0 {
		return 0
	}
	return h.EpochLoss[len(h.EpochLoss)-1]
}

// Metrics is the outcome of evaluating a model on a labelled set.
type Metrics struct {
	Accuracy float64 `json:"accuracy"`
	F1       float64 `json:"f1"`
	Loss     float64 `json:"loss"`
	Samples  int     `json:"samples"`
}
