// Package selector implements client selection strategies for a federated
// round.
//
// # Strategies
//
//   - Random: ceil(fraction*n) clients uniformly without replacement.
//   - Accuracy: the clients with the best last local test accuracy.
//   - PowerOfChoice: draw a candidate pool of m, keep the k with the
//     highest last training loss.
//   - Importance: sampling without replacement weighted by train shard
//     size or an explicit per-client importance.
//   - Cluster: k-means over label histograms, one client per cluster.
//
// Every strategy draws randomness from an injected *rand.Rand so that a run
// is reproducible from its seed. Strategies are stateless between rounds
// apart from that generator; the history they rank on lives in the
// clients themselves.
//
// # Usage
//
//	sel, err := selector.New(selector.Config{Name: "random", Fraction: 0.5}, rng)
//	if err != nil {
//	    return err
//	}
//	chosen, err := sel.Select(clients)
package selector
