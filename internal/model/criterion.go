package model

import (
	"math"

	"github.com/dreamware/flsim/internal/fl"
)

const probFloor = 1e-12

// Criterion is a loss over softmax probabilities.
type Criterion interface {
	Name() string
	// Loss returns the loss of one row of class probabilities against label.
	Loss(probs []float64, label int) float64
	// Grad writes dLoss/dlogits for one row into dst.
	Grad(dst, probs []float64, label int)
}

// CriterionByName maps a configuration name to a criterion.
func CriterionByName(name string) (Criterion, error) {
	switch name {
	case "cross_entropy", "crossentropy", "ce", "":
		return CrossEntropy{}, nil
	case "mse":
		return MeanSquared{}, nil
	default:
		return nil, fl.Configf("criterion", "unknown loss %q", name)
	}
}

// CrossEntropy is the negative log-likelihood of the true class.
type CrossEntropy struct{}

func (CrossEntropy) Name() string { return "cross_entropy" }

func (CrossEntropy) Loss(probs []float64, label int) float64 {
	return -math.Log(math.Max(probs[label], probFloor))
}

func (CrossEntropy) Grad(dst, probs []float64, label int) {
	copy(dst, probs)
	dst[label] -= 1
}

// MeanSquared is the mean squared error between probabilities and the
// one-hot target.
type MeanSquared struct{}

func (MeanSquared) Name() string { return "mse" }

func (MeanSquared) Loss(probs []float64, label int) float64 {
	sum := 0.0
	for i, p := range probs {
		d := p
		if i == label {
			d -= 1
		}
		sum += d * d
	}
	return sum / float64(len(probs))
}

// Grad chains dL/dp through the softmax Jacobian:
// dL/dz_i = p_i * (g_i - sum_j p_j g_j).
func (MeanSquared) Grad(dst, probs []float64, label int) {
	n := float64(len(probs))
	dot := 0.0
	for i, p := range probs {
		g := p
		if i == label {
			g -= 1
		}
		g *= 2 / n
		dst[i] = g
		dot += p * g
	}
	for i, p := range probs {
		dst[i] = p * (dst[i] - dot)
	}
}

// softmax overwrites row with its softmax.
func softmax(row []float64) {
	maxV := math.Inf(-1)
	for _, v := range row {
		maxV = math.Max(maxV, v)
	}
	sum := 0.0
	for i, v := range row {
		row[i] = math.Exp(v - maxV)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}
