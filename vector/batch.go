package vector

// BatchDistance computes Distance(q, xs[i], m) for every i.
// It stops at the first error.
func BatchDistance(q Vector, xs []Vector, m Metric) ([]float32, error) {
	out := make([]float32, len(xs))
	for i, x := range xs {
		d, err := Distance(q, x, m)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// BatchAdd returns as[i] + bs[i] for every i.
func BatchAdd(as, bs []Vector) ([]Vector, error) {
	if err := checkDim(len(as), len(bs)); err != nil {
		return nil, err
	}
	out := make([]Vector, len(as))
	for i := range as {
		v, err := Add(as[i], bs[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// BatchScale returns xs[i] * factor for every i.
func BatchScale(xs []Vector, factor float32) []Vector {
	out := make([]Vector, len(xs))
	for i, x := range xs {
		out[i] = Scale(x, factor)
	}
	return out
}

// Sum folds xs left-to-right into a single vector of dimension dim.
// The accumulator is float64 per component.
func Sum(dim int, xs []Vector) (Vector, error) {
	acc := make([]float64, dim)
	for _, x := range xs {
		if err := checkDim(dim, len(x)); err != nil {
			return nil, err
		}
		for i, c := range x {
			acc[i] += float64(c)
		}
	}
	out := make(Vector, dim)
	for i, s := range acc {
		out[i] = float32(s)
	}
	return out, nil
}
