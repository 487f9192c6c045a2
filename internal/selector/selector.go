package selector

import (
	"math"
	"math/rand/v2"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/dreamware/flsim/internal/client"
	"github.com/dreamware/flsim/internal/fl"
)

// Selector chooses the clients that train in a round.
//
// Select returns a non-empty subset of clients without duplicates, unless
// clients is empty, in which case it returns fl.ErrEmptyPopulation. The
// returned pointers refer to the same clients as the input slice.
type Selector interface {
	Name() string
	Select(clients []*client.Client) ([]*client.Client, error)
}

// Config names a selector and carries every option any strategy may need.
type Config struct {
	Name        string  // random, accuracy, power-of-choice, importance, cluster
	Fraction    float64 // Share of the population to select
	NumSelect   int     // power-of-choice: clients kept from the pool
	PoolSize    int     // power-of-choice: candidates drawn per round
	NumClusters int     // cluster: number of k-means groups
	NumClasses  int     // cluster: label histogram width
}

// New builds the selector named by cfg.Name. Unknown names and invalid
// options yield a *fl.ConfigurationError.
func New(cfg Config, rng *rand.Rand) (Selector, error) {
	switch cfg.Name {
	case "random", "":
		return NewRandom(cfg.Fraction, rng)
	case "accuracy":
		return NewAccuracy(cfg.Fraction)
	case "power-of-choice", "powerofchoice", "poc":
		return NewPowerOfChoice(cfg.NumSelect, cfg.PoolSize, rng)
	case "importance", "importance-sampling":
		return NewImportance(cfg.Fraction, rng)
	case "cluster":
		return NewCluster(cfg.NumClusters, cfg.NumClasses, rng)
	default:
		return nil, fl.Configf("selector", "unknown selector %q", cfg.Name)
	}
}

// sampleSize returns ceil(fraction*n) clamped to [1, n].
func sampleSize(fraction float64, n int) int {
	k := int(math.Ceil(fraction * float64(n)))
	return min(max(k, 1), n)
}

func checkFraction(fraction float64) error {
	if fraction <= 0 || fraction > 1 || math.IsNaN(fraction) {
		return fl.Configf("fraction", "must be in (0, 1], got %v", fraction)
	}
	return nil
}

// pick maps indices back to clients.
func pick(clients []*client.Client, idx []int) []*client.Client {
	out := make([]*client.Client, len(idx))
	for i, j := range idx {
		out[i] = clients[j]
	}
	return out
}

// Random selects ceil(fraction*n) clients uniformly without replacement.
type Random struct {
	fraction float64
	rng      *rand.Rand
}

// NewRandom returns a uniform selector.
func NewRandom(fraction float64, rng *rand.Rand) (*Random, error) {
	if err := checkFraction(fraction); err != nil {
		return nil, err
	}
	return &Random{fraction: fraction, rng: rng}, nil
}

func (s *Random) Name() string { return "random" }

func (s *Random) Select(clients []*client.Client) ([]*client.Client, error) {
	n := len(clients)
	if n == 0 {
		return nil, fl.ErrEmptyPopulation
	}
	idx := make([]int, sampleSize(s.fraction, n))
	sampleuv.WithoutReplacement(idx, n, s.rng)
	return pick(clients, idx), nil
}

// Accuracy selects the clients with the highest most recent local test
// accuracy. Clients never evaluated rank last; ties keep input order.
type Accuracy struct {
	fraction float64
}

// NewAccuracy returns an accuracy-ranked selector.
func NewAccuracy(fraction float64) (*Accuracy, error) {
	if err := checkFraction(fraction); err != nil {
		return nil, err
	}
	return &Accuracy{fraction: fraction}, nil
}

func (s *Accuracy) Name() string { return "accuracy" }

func (s *Accuracy) Select(clients []*client.Client) ([]*client.Client, error) {
	n := len(clients)
	if n == 0 {
		return nil, fl.ErrEmptyPopulation
	}
	type ranked struct {
		c   *client.Client
		acc float64
	}
	rs := make([]ranked, n)
	for i, c := range clients {
		acc := math.Inf(-1)
		if m, ok := c.LastMetrics(); ok {
			acc = m.Accuracy
		}
		rs[i] = ranked{c: c, acc: acc}
	}
	slices.SortStableFunc(rs, func(a, b ranked) int {
		switch {
		case a.acc > b.acc:
			return -1
		case a.acc < b.acc:
			return 1
		}
		return 0
	})

	k := sampleSize(s.fraction, n)
	out := make([]*client.Client, k)
	for i := range out {
		out[i] = rs[i].c
	}
	return out, nil
}

// PowerOfChoice draws a candidate pool of size m uniformly and keeps the k
// candidates with the highest last local loss. Clients that never trained
// count as infinite loss, so they are tried first.
type PowerOfChoice struct {
	k, m int
	rng  *rand.Rand
}

// NewPowerOfChoice fails when k < 1 or m < k.
func NewPowerOfChoice(k, m int, rng *rand.Rand) (*PowerOfChoice, error) {
	if k < 1 {
		return nil, fl.Configf("num_select", "must be at least 1, got %d", k)
	}
	if m < k {
		return nil, fl.Configf("pool_size", "candidate pool %d is smaller than selection size %d", m, k)
	}
	return &PowerOfChoice{k: k, m: m, rng: rng}, nil
}

func (s *PowerOfChoice) Name() string { return "power-of-choice" }

func (s *PowerOfChoice) Select(clients []*client.Client) ([]*client.Client, error) {
	n := len(clients)
	if n == 0 {
		return nil, fl.ErrEmptyPopulation
	}
	idx := make([]int, min(s.m, n))
	sampleuv.WithoutReplacement(idx, n, s.rng)
	pool := pick(clients, idx)

	loss := make(map[int]float64, len(pool))
	for _, c := range pool {
		l, ok := c.LastLoss()
		if !ok {
			l = math.Inf(1)
		}
		loss[c.ID] = l
	}
	slices.SortStableFunc(pool, func(a, b *client.Client) int {
		la, lb := loss[a.ID], loss[b.ID]
		switch {
		case la > lb:
			return -1
		case la < lb:
			return 1
		}
		return 0
	})
	return pool[:min(s.k, len(pool))], nil
}

// Importance samples ceil(fraction*n) clients without replacement with
// probability proportional to client.Importance. Zero-weight clients are
// never drawn.
type Importance struct {
	fraction float64
	rng      *rand.Rand
}

// NewImportance returns an importance-sampling selector.
func NewImportance(fraction float64, rng *rand.Rand) (*Importance, error) {
	if err := checkFraction(fraction); err != nil {
		return nil, err
	}
	return &Importance{fraction: fraction, rng: rng}, nil
}

func (s *Importance) Name() string { return "importance" }

func (s *Importance) Select(clients []*client.Client) ([]*client.Client, error) {
	n := len(clients)
	if n == 0 {
		return nil, fl.ErrEmptyPopulation
	}
	weights := make([]float64, n)
	for i, c := range clients {
		weights[i] = max(c.Importance(), 0)
	}
	w := sampleuv.NewWeighted(weights, s.rng)

	k := sampleSize(s.fraction, n)
	out := make([]*client.Client, 0, k)
	for len(out) < k {
		i, ok := w.Take()
		if !ok {
			break
		}
		out = append(out, clients[i])
	}
	if len(out) == 0 {
		return nil, fl.ErrEmptyPopulation
	}
	return out, nil
}
