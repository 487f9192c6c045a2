package shard

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/dreamware/flsim/internal/dataset"
)

// Strategy names a partitioning policy.
type Strategy string

const (
	// StrategyIID deals shuffled samples round-robin, so every shard sees
	// roughly the global label distribution.
	StrategyIID Strategy = "iid"
	// StrategyDirichlet splits each class across shards with proportions
	// drawn from Dir(alpha); small alpha means strong label skew.
	StrategyDirichlet Strategy = "dirichlet"
	// StrategySorted sorts samples by label and cuts contiguous blocks,
	// the most extreme non-IID split.
	StrategySorted Strategy = "sorted"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case StrategyIID, StrategyDirichlet, StrategySorted:
		return s, nil
	default:
		return "", fmt.Errorf("unknown partition strategy %q", name)
	}
}

// Shard is the fixed slice of data owned by one client. Train and Test are
// disjoint and assigned once at setup.
type Shard struct {
	ID    int              // Matches the owning client's ID
	Train []dataset.Sample // Local training samples
	Test  []dataset.Sample // Local evaluation samples
	Stats *ShardStats      // Access counters
}

// ShardStats counts how often the shard's data was consumed.
type ShardStats struct {
	TrainPasses uint64 // Full passes handed to a training loop
	TestPasses  uint64 // Full passes handed to an evaluation loop
}

// ShardInfo summarises a shard for logging and selection.
type ShardInfo struct {
	ID          int
	TrainSize   int
	TestSize    int
	LabelCounts []int // Train label histogram
}

// NewShard wraps pre-split samples.
func NewShard(id int, train, test []dataset.Sample) *Shard {
	return &Shard{ID: id, Train: train, Test: test, Stats: &ShardStats{}}
}

// TrainingData returns the training samples and counts the pass.
func (s *Shard) TrainingData() []dataset.Sample {
	atomic.AddUint64(&s.Stats.TrainPasses, 1)
	return s.Train
}

// TestData returns the evaluation samples and counts the pass.
func (s *Shard) TestData() []dataset.Sample {
	atomic.AddUint64(&s.Stats.TestPasses, 1)
	return s.Test
}

// Len returns the number of training samples, the shard's aggregation weight.
func (s *Shard) Len() int {
	return len(s.Train)
}

// LabelHistogram counts training labels into numClasses buckets.
func (s *Shard) LabelHistogram(numClasses int) []int {
	counts := make([]int, numClasses)
	for _, sample := range s.Train {
		if sample.Label >= 0 && sample.Label < numClasses {
			counts[sample.Label]++
		}
	}
	return counts
}

// GetStats returns a snapshot of the access counters.
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		TrainPasses: atomic.LoadUint64(&s.Stats.TrainPasses),
		TestPasses:  atomic.LoadUint64(&s.Stats.TestPasses),
	}
}

// Info returns metadata about the shard.
func (s *Shard) Info(numClasses int) ShardInfo {
	return ShardInfo{
		ID:          s.ID,
		TrainSize:   len(s.Train),
		TestSize:    len(s.Test),
		LabelCounts: s.LabelHistogram(numClasses),
	}
}

// Options controls Partition.
type Options struct {
	Strategy     Strategy
	Alpha        float64 // Dirichlet concentration, used by StrategyDirichlet
	TestFraction float64 // Share of each shard held out for local testing
}

// Partition splits samples into k disjoint shards and then divides each
// shard into local train and test sets. Every input sample lands in exactly
// one shard. Shards may end up empty under strong skew; callers must not
// weight those.
func Partition(samples []dataset.Sample, k int, opts Options, rng *rand.Rand) ([]*Shard, error) {
	if k <= 0 {
		return nil, fmt.Errorf("number of shards must be positive, got %d", k)
	}
	if opts.TestFraction < 0 || opts.TestFraction >= 1 {
		return nil, fmt.Errorf("shard test fraction %v must be in [0, 1)", opts.TestFraction)
	}

	var buckets [][]dataset.Sample
	switch opts.Strategy {
	case StrategyIID, "":
		buckets = partitionIID(samples, k, rng)
	case StrategySorted:
		buckets = partitionSorted(samples, k)
	case StrategyDirichlet:
		if opts.Alpha <= 0 {
			return nil, fmt.Errorf("dirichlet alpha must be positive, got %v", opts.Alpha)
		}
		buckets = partitionDirichlet(samples, k, opts.Alpha, rng)
	default:
		return nil, fmt.Errorf("unknown partition strategy %q", opts.Strategy)
	}

	shards := make([]*Shard, k)
	for i, bucket := range buckets {
		rng.Shuffle(len(bucket), func(a, b int) { bucket[a], bucket[b] = bucket[b], bucket[a] })
		nTest := int(math.Round(opts.TestFraction * float64(len(bucket))))
		if opts.TestFraction > 0 && nTest == 0 && len(bucket) > 1 {
			nTest = 1
		}
		shards[i] = NewShard(i, bucket[nTest:], bucket[:nTest])
	}
	return shards, nil
}

func partitionIID(samples []dataset.Sample, k int, rng *rand.Rand) [][]dataset.Sample {
	order := rng.Perm(len(samples))
	buckets := make([][]dataset.Sample, k)
	for i, idx := range order {
		buckets[i%k] = append(buckets[i%k], samples[idx])
	}
	return buckets
}

func partitionSorted(samples []dataset.Sample, k int) [][]dataset.Sample {
	sorted := slices.Clone(samples)
	slices.SortStableFunc(sorted, func(a, b dataset.Sample) int { return a.Label - b.Label })

	buckets := make([][]dataset.Sample, k)
	n := len(sorted)
	for i := 0; i < k; i++ {
		lo, hi := i*n/k, (i+1)*n/k
		buckets[i] = append([]dataset.Sample(nil), sorted[lo:hi]...)
	}
	return buckets
}

// partitionDirichlet draws, for every class, a proportion vector over the k
// shards from Dir(alpha) and cuts that class's samples accordingly.
func partitionDirichlet(samples []dataset.Sample, k int, alpha float64, rng *rand.Rand) [][]dataset.Sample {
	byLabel := make(map[int][]dataset.Sample)
	var labels []int
	for _, s := range samples {
		if _, ok := byLabel[s.Label]; !ok {
			labels = append(labels, s.Label)
		}
		byLabel[s.Label] = append(byLabel[s.Label], s)
	}
	slices.Sort(labels)

	gamma := distuv.Gamma{Alpha: alpha, Beta: 1, Src: rng}
	buckets := make([][]dataset.Sample, k)
	for _, label := range labels {
		class := byLabel[label]
		rng.Shuffle(len(class), func(a, b int) { class[a], class[b] = class[b], class[a] })

		props := make([]float64, k)
		total := 0.0
		for i := range props {
			props[i] = gamma.Rand()
			total += props[i]
		}
		if total == 0 {
			props[rng.IntN(k)] = 1
			total = 1
		}

		start, cum := 0, 0.0
		for i := 0; i < k; i++ {
			cum += props[i] / total
			end := int(math.Round(cum * float64(len(class))))
			if i == k-1 {
				end = len(class)
			}
			end = max(start, min(end, len(class)))
			buckets[i] = append(buckets[i], class[start:end]...)
			start = end
		}
	}
	return buckets
}
