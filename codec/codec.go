// Package codec centralizes wire and storage encoding.
//
// Payloads (replication deltas, migration chunks, shard snapshots, shard
// maps) are encoded with a Codec and wrapped in a Frame that records the
// codec, the compression algorithm and a CRC32-C checksum. Frames are
// self-describing: a reader never needs to know how the writer was
// configured.
package codec

import "fmt"

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
//
// Frames store the codec name in their header and select the codec with
// ByName on decode.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// MustMarshal is a helper for internal tests.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
