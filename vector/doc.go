// Package vector provides the fixed-dimension vector type and the distance
// and arithmetic kernels shared by the rest of vecmesh.
//
// All kernels accumulate left-to-right in float64 and round the result to
// float32 once, so a batch call returns exactly what the equivalent
// elementwise loop returns on any platform.
//
// Supported metrics:
//
//   - Euclidean: sqrt(sum((a[i]-b[i])^2))
//   - Cosine: 1 - dot(a,b)/(|a|*|b|), fails with ErrDegenerateInput on a zero vector
//   - Manhattan: sum(|a[i]-b[i]|)
//   - Hamming: number of differing positions, integer-valued input only
//
// Packed binary codes (see Quantize) use HammingBinary instead.
package vector
