package vector

import (
	"fmt"
	"strings"
)

// Metric is the closed set of supported distance metrics.
type Metric int

const (
	Euclidean Metric = iota
	Cosine
	Manhattan
	Hamming
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case Cosine:
		return "cosine"
	case Manhattan:
		return "manhattan"
	case Hamming:
		return "hamming"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Valid reports whether m is one of the supported metrics.
func (m Metric) Valid() bool {
	return m >= Euclidean && m <= Hamming
}

// ParseMetric parses a metric name (case-insensitive). "l2" is accepted as
// an alias for euclidean and "l1" for manhattan.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "euclidean", "l2":
		return Euclidean, nil
	case "cosine":
		return Cosine, nil
	case "manhattan", "l1":
		return Manhattan, nil
	case "hamming":
		return Hamming, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Metric) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMetric, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Metric) UnmarshalText(text []byte) error {
	parsed, err := ParseMetric(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
