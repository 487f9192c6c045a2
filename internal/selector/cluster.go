package selector

import (
	"math"
	"math/rand/v2"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"

	"github.com/dreamware/flsim/internal/client"
	"github.com/dreamware/flsim/internal/fl"
)

const kmeansIterations = 25

// Cluster groups clients by their normalised train label histogram with
// k-means and draws one client uniformly from each non-empty group. It
// favours label diversity in every round under non-IID partitions.
type Cluster struct {
	k       int
	classes int
	rng     *rand.Rand
}

// NewCluster returns a cluster-based selector over numClasses labels.
func NewCluster(k, numClasses int, rng *rand.Rand) (*Cluster, error) {
	if k < 1 {
		return nil, fl.Configf("num_clusters", "must be at least 1, got %d", k)
	}
	if numClasses < 1 {
		return nil, fl.Configf("num_classes", "must be at least 1, got %d", numClasses)
	}
	return &Cluster{k: k, classes: numClasses, rng: rng}, nil
}

func (s *Cluster) Name() string { return "cluster" }

func (s *Cluster) Select(clients []*client.Client) ([]*client.Client, error) {
	n := len(clients)
	if n == 0 {
		return nil, fl.ErrEmptyPopulation
	}
	points := make([][]float64, n)
	for i, c := range clients {
		points[i] = normalise(c.LabelHistogram(s.classes))
	}

	groups := s.kmeans(points, min(s.k, n))
	out := make([]*client.Client, 0, len(groups))
	for _, members := range groups {
		if len(members) == 0 {
			continue
		}
		out = append(out, clients[members[s.rng.IntN(len(members))]])
	}
	return out, nil
}

// kmeans returns the member indices of each of k clusters. The first centre
// is a uniformly drawn point and each further centre is the point farthest
// from those already chosen.
func (s *Cluster) kmeans(points [][]float64, k int) [][]int {
	centres := make([][]float64, 0, k)
	centres = append(centres, slices.Clone(points[s.rng.IntN(len(points))]))
	for len(centres) < k {
		far, farDist := 0, -1.0
		for i, p := range points {
			d := math.Inf(1)
			for _, c := range centres {
				d = math.Min(d, floats.Distance(p, c, 2))
			}
			if d > farDist {
				far, farDist = i, d
			}
		}
		centres = append(centres, slices.Clone(points[far]))
	}

	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centre := range centres {
				if d := floats.Distance(p, centre, 2); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		counts := make([]int, k)
		for c := range centres {
			for j := range centres[c] {
				centres[c][j] = 0
			}
		}
		for i, p := range points {
			floats.Add(centres[assign[i]], p)
			counts[assign[i]]++
		}
		for c, cnt := range counts {
			if cnt > 0 {
				floats.Scale(1/float64(cnt), centres[c])
			}
		}
	}

	groups := make([][]int, k)
	for i, c := range assign {
		groups[c] = append(groups[c], i)
	}
	return groups
}

func normalise(counts []int) []float64 {
	out := make([]float64, len(counts))
	total := 0.0
	for i, c := range counts {
		out[i] = float64(c)
		total += out[i]
	}
	if total > 0 {
		floats.Scale(1/total, out)
	}
	return out
}
