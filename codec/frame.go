package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/crc32"
)

// Frame layout (little endian):
//
//	[magic "VM"][version u8][compression u8][codec name len u8][codec name]
//	[uncompressed size u32][stored size u32, 0 = stored uncompressed]
//	[crc32c of uncompressed payload u32][payload]
const (
	frameVersion   = 1
	frameFixedSize = 2 + 1 + 1 + 1 + 4 + 4 + 4
)

var frameMagic = [2]byte{'V', 'M'}

var (
	// ErrCorruptFrame is returned for truncated or malformed frames.
	ErrCorruptFrame = errors.New("codec: corrupt frame")

	// ErrChecksum is returned when the payload does not match its checksum.
	ErrChecksum = errors.New("codec: checksum mismatch")
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32-C checksum of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Framer encodes values into self-describing frames.
type Framer struct {
	Codec       Codec
	Compression Compression
}

// Encode marshals v and wraps it in a frame.
func (f Framer) Encode(v any) ([]byte, error) {
	c := f.Codec
	if c == nil {
		c = Default
	}
	payload, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec %s: %w", c.Name(), err)
	}
	return Seal(payload, c.Name(), f.Compression)
}

// Decode unwraps a frame and unmarshals it into v with the codec named in
// the frame header.
func (f Framer) Decode(data []byte, v any) error {
	name, payload, err := Open(data)
	if err != nil {
		return err
	}
	c, ok := ByName(name)
	if !ok {
		return fmt.Errorf("%w: unknown codec %q", ErrCorruptFrame, name)
	}
	return c.Unmarshal(payload, v)
}

// Seal wraps an already encoded payload in a frame.
func Seal(payload []byte, codecName string, comp Compression) ([]byte, error) {
	if len(codecName) > 255 {
		return nil, fmt.Errorf("codec: name too long: %q", codecName)
	}
	compressed, err := compress(payload, comp)
	if err != nil {
		return nil, err
	}
	body := payload
	stored := uint32(0)
	if compressed != nil {
		body = compressed
		stored = uint32(len(compressed))
	} else {
		comp = CompressionNone
	}

	out := make([]byte, 0, frameFixedSize+len(codecName)+len(body))
	out = append(out, frameMagic[0], frameMagic[1], frameVersion, byte(comp), byte(len(codecName)))
	out = append(out, codecName...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	out = binary.LittleEndian.AppendUint32(out, stored)
	out = binary.LittleEndian.AppendUint32(out, Checksum(payload))
	return append(out, body...), nil
}

// Open validates a frame and returns the codec name and the uncompressed
// payload.
func Open(data []byte) (string, []byte, error) {
	if len(data) < frameFixedSize || data[0] != frameMagic[0] || data[1] != frameMagic[1] {
		return "", nil, fmt.Errorf("%w: bad header", ErrCorruptFrame)
	}
	if data[2] != frameVersion {
		return "", nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptFrame, data[2])
	}
	comp := Compression(data[3])
	nameLen := int(data[4])
	if len(data) < frameFixedSize+nameLen {
		return "", nil, fmt.Errorf("%w: truncated header", ErrCorruptFrame)
	}
	name := string(data[5 : 5+nameLen])
	rest := data[5+nameLen:]

	size := binary.LittleEndian.Uint32(rest[0:])
	stored := binary.LittleEndian.Uint32(rest[4:])
	sum := binary.LittleEndian.Uint32(rest[8:])
	body := rest[12:]

	var payload []byte
	if stored == 0 {
		if uint32(len(body)) != size {
			return "", nil, fmt.Errorf("%w: payload length %d, header says %d", ErrCorruptFrame, len(body), size)
		}
		payload = body
	} else {
		if uint32(len(body)) != stored {
			return "", nil, fmt.Errorf("%w: stored length %d, header says %d", ErrCorruptFrame, len(body), stored)
		}
		var err error
		payload, err = decompress(body, comp, size)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
		}
	}

	if Checksum(payload) != sum {
		return "", nil, ErrChecksum
	}
	return name, payload, nil
}
