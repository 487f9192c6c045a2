package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/dreamware/flsim/internal/dataset"
	"github.com/dreamware/flsim/internal/params"
)

// MLP is a fully connected feed-forward classifier with ReLU hidden layers
// and a softmax output. Its parameter keys are fc1.weight, fc1.bias, ...,
// with weights stored row-major as (out, in) like a torch Linear layer.
type MLP struct {
	mu      sync.RWMutex
	sizes   []int // in, hidden..., classes
	state   params.Set
	weights []*mat.Dense // Views over state's weight tensors
}

// NewMLP builds a classifier with uniform(-1/sqrt(in), 1/sqrt(in))
// initialisation drawn from rng.
func NewMLP(inputs int, hidden []int, classes int, rng *rand.Rand) (*MLP, error) {
	if inputs <= 0 || classes < 2 {
		return nil, fmt.Errorf("mlp needs inputs>0 and classes>=2, got %d and %d", inputs, classes)
	}
	sizes := append([]int{inputs}, hidden...)
	sizes = append(sizes, classes)
	for _, s := range sizes {
		if s <= 0 {
			return nil, fmt.Errorf("layer sizes must be positive: %v", sizes)
		}
	}

	state := make(params.Set, 0, 2*(len(sizes)-1))
	for l := 1; l < len(sizes); l++ {
		in, out := sizes[l-1], sizes[l]
		bound := 1 / math.Sqrt(float64(in))
		w := make([]float64, out*in)
		b := make([]float64, out)
		for i := range w {
			w[i] = (rng.Float64()*2 - 1) * bound
		}
		for i := range b {
			b[i] = (rng.Float64()*2 - 1) * bound
		}
		state = append(state,
			params.Tensor{Name: fmt.Sprintf("fc%d.weight", l), Shape: []int{out, in}, Data: w},
			params.Tensor{Name: fmt.Sprintf("fc%d.bias", l), Shape: []int{out}, Data: b},
		)
	}
	return newMLPFromState(sizes, state), nil
}

func newMLPFromState(sizes []int, state params.Set) *MLP {
	m := &MLP{sizes: sizes, state: state}
	m.weights = make([]*mat.Dense, len(sizes)-1)
	for l := range m.weights {
		w := state[2*l]
		m.weights[l] = mat.NewDense(w.Shape[0], w.Shape[1], w.Data)
	}
	return m
}

// Sizes returns the layer widths, input first.
func (m *MLP) Sizes() []int {
	return append([]int(nil), m.sizes...)
}

// Parameters returns a deep copy of the model state.
func (m *MLP) Parameters() params.Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// SetParameters copies p into the model. Keys and shapes must match.
func (m *MLP) SetParameters(p params.Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return params.CopyInto(m.state, p)
}

// Clone returns an independent copy with identical parameters.
func (m *MLP) Clone() Learner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newMLPFromState(append([]int(nil), m.sizes...), m.state.Clone())
}

// Train runs mini-batch gradient descent for opts.Epochs epochs.
func (m *MLP) Train(ctx context.Context, samples []dataset.Sample, opts TrainOptions) (History, error) {
	if len(samples) == 0 {
		return History{}, ErrNoData
	}
	if opts.Optimizer == nil {
		return History{}, fmt.Errorf("train: optimizer is required")
	}
	if opts.Criterion == nil {
		opts.Criterion = CrossEntropy{}
	}
	epochs := max(opts.Epochs, 1)
	batch := opts.BatchSize
	if batch <= 0 || batch > len(samples) {
		batch = len(samples)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	hist := History{Samples: len(samples)}
	for epoch := 0; epoch < epochs; epoch++ {
		if opts.Rand != nil {
			opts.Rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		total := 0.0
		for start := 0; start < len(order); start += batch {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			end := min(start+batch, len(order))
			x, y := m.batch(samples, order[start:end])
			loss, grads := m.backward(x, y, opts.Criterion)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return hist, ErrDiverged
			}
			if err := opts.Optimizer.Step(m.state, grads); err != nil {
				return hist, err
			}
			total += loss * float64(end-start)
		}
		hist.EpochLoss = append(hist.EpochLoss, total/float64(len(order)))
	}
	if !m.state.Finite() {
		return hist, ErrDiverged
	}
	return hist, nil
}

// Test evaluates accuracy, macro F1 and mean loss on samples.
func (m *MLP) Test(samples []dataset.Sample, criterion Criterion) (Metrics, error) {
	if len(samples) == 0 {
		return Metrics{}, ErrNoData
	}
	if criterion == nil {
		criterion = CrossEntropy{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := make([]int, len(samples))
	for i := range idx {
		idx[i] = i
	}
	x, labels := m.batch(samples, idx)
	acts := m.forward(x)
	probs := acts[len(acts)-1]

	preds := make([]int, len(samples))
	loss := 0.0
	for i := range samples {
		row := probs.RawRowView(i)
		preds[i] = floats.MaxIdx(row)
		loss += criterion.Loss(row, labels[i])
	}
	acc, f1 := Score(preds, labels, m.sizes[len(m.sizes)-1])
	return Metrics{
		Accuracy: acc,
		F1:       f1,
		Loss:     loss / float64(len(samples)),
		Samples:  len(samples),
	}, nil
}

// batch gathers the rows at idx into a dense matrix and label slice.
func (m *MLP) batch(samples []dataset.Sample, idx []int) (*mat.Dense, []int) {
	in := m.sizes[0]
	x := mat.NewDense(len(idx), in, nil)
	y := make([]int, len(idx))
	for r, i := range idx {
		copy(x.RawRowView(r), samples[i].Features[:in])
		y[r] = samples[i].Label
	}
	return x, y
}

// forward returns the activations of every layer, input included. The last
// entry holds softmax probabilities.
func (m *MLP) forward(x *mat.Dense) []*mat.Dense {
	acts := make([]*mat.Dense, 0, len(m.weights)+1)
	acts = append(acts, x)
	a := x
	last := len(m.weights) - 1
	for l, w := range m.weights {
		bias := m.state[2*l+1].Data
		var z mat.Dense
		z.Mul(a, w.T())
		rows, _ := z.Dims()
		for r := 0; r < rows; r++ {
			row := z.RawRowView(r)
			floats.Add(row, bias)
			if l < last {
				for j, v := range row {
					if v < 0 {
						row[j] = 0
					}
				}
			} else {
				softmax(row)
			}
		}
		acts = append(acts, &z)
		a = &z
	}
	return acts
}

// backward runs a forward pass and back-propagates the mean batch loss,
// returning the loss and a gradient set aligned with m.state.
func (m *MLP) backward(x *mat.Dense, labels []int, criterion Criterion) (float64, params.Set) {
	acts := m.forward(x)
	n := len(labels)
	probs := acts[len(acts)-1]
	classes := m.sizes[len(m.sizes)-1]

	delta := mat.NewDense(n, classes, nil)
	loss := 0.0
	for i, y := range labels {
		row := probs.RawRowView(i)
		loss += criterion.Loss(row, y)
		criterion.Grad(delta.RawRowView(i), row, y)
	}
	delta.Scale(1/float64(n), delta)

	grads := make(params.Set, len(m.state))
	for l := len(m.weights) - 1; l >= 0; l-- {
		prev := acts[l]
		out, in := m.weights[l].Dims()

		gw := mat.NewDense(out, in, nil)
		gw.Mul(delta.T(), prev)
		gb := make([]float64, out)
		for r := 0; r < n; r++ {
			floats.Add(gb, delta.RawRowView(r))
		}
		grads[2*l] = params.Tensor{Name: m.state[2*l].Name, Shape: []int{out, in}, Data: gw.RawMatrix().Data}
		grads[2*l+1] = params.Tensor{Name: m.state[2*l+1].Name, Shape: []int{out}, Data: gb}

		if l == 0 {
			break
		}
		next := mat.NewDense(n, in, nil)
		next.Mul(delta, m.weights[l])
		for r := 0; r < n; r++ {
			act := prev.RawRowView(r)
			row := next.RawRowView(r)
			for j := range row {
				if act[j] <= 0 {
					row[j] = 0
				}
			}
		}
		delta = next
	}
	return loss / float64(n), grads
}
