// Package testutil provides helpers for vecmesh tests.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating random vectors, computing exact
// nearest neighbors, and verifying search results.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vs := rng.UniformRangeVectors(1000, 8) // uniform [-1, 1)
//	us := rng.UnitVectors(1000, 8)         // on the unit hypersphere
//
// # Exact Search (Ground Truth)
//
//	truth := testutil.ExactTopK(query, dataset, k, vector.Euclidean)
//
// # Recall Verification
//
//	recall := testutil.ComputeRecall(truth, results)
package testutil
