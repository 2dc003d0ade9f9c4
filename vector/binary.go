package vector

import "math/bits"

// Binary is a bit-packed code, one bit per original component.
type Binary []byte

// Quantize packs the sign of each component of v into a Binary code
// (bit set when the component is > 0).
func Quantize(v Vector) Binary {
	out := make(Binary, (len(v)+7)/8)
	for i, x := range v {
		if x > 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// HammingBinary returns the number of differing bits between two codes.
func HammingBinary(a, b Binary) (int, error) {
	if err := checkDim(len(a), len(b)); err != nil {
		return 0, err
	}
	var n int
	for i := range a {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n, nil
}
