// Package aggregator combines client parameter sets into a new global set.
//
// Every Aggregator is a pure function of its inputs: it never mutates the
// results or the fallback, and the returned set shares no memory with
// either. Results are checked against the fallback's keys and shapes
// before any arithmetic, so a mismatch is reported rather than coerced.
package aggregator

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"

	"github.com/dreamware/flsim/internal/fl"
	"github.com/dreamware/flsim/internal/params"
)

// Aggregator merges round results. fallback is the current global set and
// is returned, as a copy, when there is nothing to aggregate.
type Aggregator interface {
	Name() string
	Aggregate(results []fl.Result, fallback params.Set) (params.Set, error)
}

// ShapeError reports a client result whose keys or shapes disagree with
// the global set.
type ShapeError struct {
	ClientID int
	Err      error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("aggregation: result from client %d does not match global parameters: %v", e.ClientID, e.Err)
}

func (e *ShapeError) Unwrap() error {
	return e.Err
}

// Options carries strategy-specific settings.
type Options struct {
	TrimFraction float64 // trimmed-mean: share cut from each end
}

// New returns the aggregator registered under name.
func New(name string, opts Options, logger logrus.FieldLogger) (Aggregator, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	switch name {
	case "fedavg", "weighted", "avg", "":
		return &WeightedAverage{logger: logger}, nil
	case "median":
		return &Median{logger: logger}, nil
	case "trimmed-mean", "trimmed":
		return NewTrimmedMean(opts.TrimFraction, logger)
	default:
		return nil, fl.Configf("aggregator", "unknown aggregator %q", name)
	}
}

// contributing validates every result against fallback and returns those
// with positive weight.
func contributing(results []fl.Result, fallback params.Set) ([]fl.Result, error) {
	out := make([]fl.Result, 0, len(results))
	for _, r := range results {
		if err := fallback.Compatible(r.Params); err != nil {
			return nil, &ShapeError{ClientID: r.ClientID, Err: err}
		}
		if r.Weight > 0 && !math.IsInf(r.Weight, 0) {
			out = append(out, r)
		}
	}
	return out, nil
}

// WeightedAverage is FedAvg: every element becomes sum(w_i*p_i)/sum(w_i).
type WeightedAverage struct {
	logger logrus.FieldLogger
}

func (a *WeightedAverage) Name() string { return "fedavg" }

func (a *WeightedAverage) Aggregate(results []fl.Result, fallback params.Set) (params.Set, error) {
	usable, err := contributing(results, fallback)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return fallback.Clone(), nil
	}
	total := 0.0
	for _, r := range usable {
		total += r.Weight
	}
	if total == 0 {
		a.logger.WithField("results", len(results)).Warn("aggregation skipped: total weight is zero, keeping global parameters")
		return fallback.Clone(), nil
	}

	out := zeroLike(fallback)
	for _, r := range usable {
		for i := range out {
			floats.AddScaled(out[i].Data, r.Weight, r.Params[i].Data)
		}
	}
	for i := range out {
		floats.Scale(1/total, out[i].Data)
	}
	return out, nil
}

// Median takes the per-element median of contributing sets, averaging the
// two middle values for an even count. Weights only decide participation.
type Median struct {
	logger logrus.FieldLogger
}

func (a *Median) Name() string { return "median" }

func (a *Median) Aggregate(results []fl.Result, fallback params.Set) (params.Set, error) {
	return elementwise(a.logger, results, fallback, func(col []float64) float64 {
		n := len(col)
		if n%2 == 1 {
			return col[n/2]
		}
		return (col[n/2-1] + col[n/2]) / 2
	})
}

// TrimmedMean drops the floor(beta*n) smallest and largest values of every
// element before averaging the rest.
type TrimmedMean struct {
	beta   float64
	logger logrus.FieldLogger
}

// NewTrimmedMean requires beta in [0, 0.5).
func NewTrimmedMean(beta float64, logger logrus.FieldLogger) (*TrimmedMean, error) {
	if beta < 0 || beta >= 0.5 || math.IsNaN(beta) {
		return nil, fl.Configf("trim_fraction", "must be in [0, 0.5), got %v", beta)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TrimmedMean{beta: beta, logger: logger}, nil
}

func (a *TrimmedMean) Name() string { return "trimmed-mean" }

func (a *TrimmedMean) Aggregate(results []fl.Result, fallback params.Set) (params.Set, error) {
	return elementwise(a.logger, results, fallback, func(col []float64) float64 {
		cut := int(math.Floor(a.beta * float64(len(col))))
		return floats.Sum(col[cut:len(col)-cut]) / float64(len(col)-2*cut)
	})
}

// elementwise applies reduce to the sorted values each element takes
// across the contributing results.
func elementwise(logger logrus.FieldLogger, results []fl.Result, fallback params.Set, reduce func(sorted []float64) float64) (params.Set, error) {
	usable, err := contributing(results, fallback)
	if err != nil {
		return nil, err
	}
	if len(usable) == 0 {
		if len(results) > 0 {
			logger.WithField("results", len(results)).Warn("aggregation skipped: no result has positive weight, keeping global parameters")
		}
		return fallback.Clone(), nil
	}

	out := zeroLike(fallback)
	col := make([]float64, len(usable))
	for i := range out {
		for j := range out[i].Data {
			for k, r := range usable {
				col[k] = r.Params[i].Data[j]
			}
			slices.Sort(col)
			out[i].Data[j] = reduce(col)
		}
	}
	return out, nil
}

func zeroLike(s params.Set) params.Set {
	out := make(params.Set, len(s))
	for i, t := range s {
		out[i] = params.Tensor{
			Name:  t.Name,
			Shape: slices.Clone(t.Shape),
			Data:  make([]float64, len(t.Data)),
		}
	}
	return out
}
