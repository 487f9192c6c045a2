package model

import (
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/dreamware/flsim/internal/params"
)

// Optimizer applies gradients to parameters in place.
type Optimizer interface {
	Step(p, grads params.Set) error
}

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay. Velocity buffers are keyed by tensor name and survive across calls,
// so a client's optimizer state persists between rounds.
type SGD struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64

	mu       sync.Mutex
	velocity map[string][]float64
}

// NewSGD returns an SGD optimizer.
func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		LearningRate: lr,
		Momentum:     momentum,
		WeightDecay:  weightDecay,
		velocity:     make(map[string][]float64),
	}
}

// Step performs w -= lr * v with v = momentum*v + g + decay*w.
func (o *SGD) Step(p, grads params.Set) error {
	if err := p.Compatible(grads); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.velocity == nil {
		o.velocity = make(map[string][]float64)
	}

	for i := range p {
		w, g := p[i].Data, grads[i].Data
		if o.Momentum == 0 && o.WeightDecay == 0 {
			floats.AddScaled(w, -o.LearningRate, g)
			continue
		}
		v, ok := o.velocity[p[i].Name]
		if !ok || len(v) != len(w) {
			v = make([]float64, len(w))
			o.velocity[p[i].Name] = v
		}
		floats.Scale(o.Momentum, v)
		floats.Add(v, g)
		if o.WeightDecay != 0 {
			floats.AddScaled(v, o.WeightDecay, w)
		}
		floats.AddScaled(w, -o.LearningRate, v)
	}
	return nil
}

// Reset drops the velocity buffers.
func (o *SGD) Reset() {
	o.mu.Lock()
	o.velocity = make(map[string][]float64)
	o.mu.Unlock()
}
