// Package hilbert maps fixed-dimension vectors to 63-bit keys along a
// Hilbert space-filling curve.
//
// Each coordinate is clamped to the declared bounds and quantized to B bits
// (default 16). The quantized point is mapped to its Hilbert index using
// Skilling's transpose algorithm ("Programming the Hilbert curve", 2004),
// and the index is left-aligned into the key space [0, 2^63). When D*B
// exceeds 63 bits the curve keeps the most significant ⌊63/D⌋ bits of every
// axis; for D > 63 only the first 63 axes contribute to the key.
//
// Decode is lossy: it returns the axis-aligned region of the curve cell a
// key falls into, which contains every vector that encodes to that key.
package hilbert
