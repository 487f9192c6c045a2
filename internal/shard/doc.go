// Package shard partitions a training set into the per-client shards of a
// federated simulation.
//
// # Overview
//
// A shard is the private slice of data owned by one client. It is assigned
// once at setup and never reshuffled across rounds. Each shard is further
// divided into a local training set, whose size is the client's aggregation
// weight, and a local test set used for the per-client accuracy/F1 that
// selectors rank on.
//
// # Strategies
//
//	iid        shuffled round-robin deal; every shard mirrors the global labels
//	dirichlet  per-class proportions drawn from Dir(alpha); alpha -> 0 gives
//	           near single-label shards, alpha -> inf approaches iid
//	sorted     contiguous blocks of the label-sorted data; maximal skew
//
// Partitioning is disjoint and exhaustive: every input sample ends up in
// exactly one shard's Train or Test slice.
//
// # Empty Shards
//
// Strong skew can leave a shard with no training samples. Such a shard is
// still returned so client IDs stay dense, but the coordinator never offers
// its client to a selector and never gives it aggregation weight.
//
// # Usage Example
//
//	shards, err := shard.Partition(train.Samples, 6, shard.Options{
//	    Strategy:     shard.StrategyDirichlet,
//	    Alpha:        0.5,
//	    TestFraction: 0.2,
//	}, rng)
package shard
