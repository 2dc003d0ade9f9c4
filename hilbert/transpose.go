package hilbert

// axesToTranspose converts x (n axes of b bits each) in place into the
// transposed Hilbert index.
func axesToTranspose(x []uint64, b int) {
	n := len(x)
	m := uint64(1) << (b - 1)

	// Inverse undo.
	for q := m; q > 1; q >>= 1 {
		p := q - 1
		for i := 0; i < n; i++ {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}

	// Gray encode.
	for i := 1; i < n; i++ {
		x[i] ^= x[i-1]
	}
	var t uint64
	for q := m; q > 1; q >>= 1 {
		if x[n-1]&q != 0 {
			t ^= q - 1
		}
	}
	for i := 0; i < n; i++ {
		x[i] ^= t
	}
}

// transposeToAxes is the inverse of axesToTranspose.
func transposeToAxes(x []uint64, b int) {
	n := len(x)
	limit := uint64(2) << (b - 1)

	// Gray decode.
	t := x[n-1] >> 1
	for i := n - 1; i > 0; i-- {
		x[i] ^= x[i-1]
	}
	x[0] ^= t

	// Undo excess work.
	for q := uint64(2); q != limit; q <<= 1 {
		p := q - 1
		for i := n - 1; i >= 0; i-- {
			if x[i]&q != 0 {
				x[0] ^= p
			} else {
				t := (x[0] ^ x[i]) & p
				x[0] ^= t
				x[i] ^= t
			}
		}
	}
}

// interleave packs the transposed form into a single index, most
// significant bit level first.
func interleave(x []uint64, b int) uint64 {
	var idx uint64
	for j := b - 1; j >= 0; j-- {
		for i := range x {
			idx = idx<<1 | (x[i]>>uint(j))&1
		}
	}
	return idx
}

func deinterleave(idx uint64, x []uint64, b int) {
	for i := range x {
		x[i] = 0
	}
	n := len(x)
	total := n * b
	for j := b - 1; j >= 0; j-- {
		for i := 0; i < n; i++ {
			total--
			x[i] |= ((idx >> uint(total)) & 1) << uint(j)
		}
	}
}

// axesToIndex returns the Hilbert index of point (b bits per axis).
func axesToIndex(point []uint64, b int) uint64 {
	x := make([]uint64, len(point))
	copy(x, point)
	axesToTranspose(x, b)
	return interleave(x, b)
}

// indexToAxes returns the point at Hilbert index idx.
func indexToAxes(idx uint64, n, b int) []uint64 {
	x := make([]uint64, n)
	deinterleave(idx, x, b)
	transposeToAxes(x, b)
	return x
}
