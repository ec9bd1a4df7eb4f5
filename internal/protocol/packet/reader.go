package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrShortBuffer      = errors.New("packet: not enough data")
	ErrBadVarint        = errors.New("packet: malformed varint")
	ErrLengthOutOfRange = errors.New("packet: length out of range")
)

// Reader reads packet fields from a byte slice.
// Multi-byte integers are big-endian unless the method says otherwise.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a new packet reader.
func NewReader(data []byte) *Reader {
	return &Reader{
		data: data,
		pos:  0,
	}
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("ReadByte: %w (pos=%d, len=%d)", ErrShortBuffer, r.pos, len(r.data))
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadBool reads one byte as a boolean.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, fmt.Errorf("ReadBool: %w", err)
	}
	return b != 0, nil
}

// ReadInt reads an int32 (4 bytes, BE).
func (r *Reader) ReadInt() (int32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("ReadInt: %w (pos=%d, len=%d)", ErrShortBuffer, r.pos, len(r.data))
	}
	val := int32(binary.BigEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return val, nil
}

// ReadIntLE reads an int32 (4 bytes, LE).
func (r *Reader) ReadIntLE() (int32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("ReadIntLE: %w (pos=%d, len=%d)", ErrShortBuffer, r.pos, len(r.data))
	}
	val := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return val, nil
}

// ReadUvarint reads an unsigned varint of at most 32 bits. Only the
// shortest encoding is accepted, so every value has exactly one wire form.
func (r *Reader) ReadUvarint() (uint32, error) {
	val, n := binary.Uvarint(r.data[r.pos:])
	if n == 0 {
		return 0, fmt.Errorf("ReadUvarint: %w (pos=%d, len=%d)", ErrShortBuffer, r.pos, len(r.data))
	}
	if n < 0 || n > binary.MaxVarintLen32 || val > math.MaxUint32 {
		return 0, fmt.Errorf("ReadUvarint: %w (pos=%d)", ErrBadVarint, r.pos)
	}
	if n > 1 && r.data[r.pos+n-1] == 0 {
		return 0, fmt.Errorf("ReadUvarint: %w: padded encoding (pos=%d)", ErrBadVarint, r.pos)
	}
	r.pos += n
	return uint32(val), nil
}

// ReadBytes reads exactly n bytes. The result aliases the underlying buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("ReadBytes: %w (n=%d)", ErrLengthOutOfRange, n)
	}
	if n > r.Remaining() {
		return nil, fmt.Errorf("ReadBytes: %w (pos=%d, need=%d, len=%d)", ErrShortBuffer, r.pos, n, len(r.data))
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadLengthPrefixed reads a uvarint length followed by that many bytes.
// The length is checked against the remaining data before anything is sliced.
func (r *Reader) ReadLengthPrefixed() ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Remaining()) {
		return nil, fmt.Errorf("ReadLengthPrefixed: %w (declared=%d, remaining=%d)", ErrLengthOutOfRange, n, r.Remaining())
	}
	return r.ReadBytes(int(n))
}

// ReadString reads a uvarint-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadLengthPrefixed()
	if err != nil {
		return "", fmt.Errorf("ReadString: %w", err)
	}
	return string(b), nil
}

// ReadRemaining returns all unread bytes. The result aliases the underlying buffer.
func (r *Reader) ReadRemaining() []byte {
	b := r.data[r.pos:]
	r.pos = len(r.data)
	return b
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Position returns the current read position.
func (r *Reader) Position() int {
	return r.pos
}
