package packet

import (
	"bytes"
	"encoding/binary"
	"sync"
)

// Writer provides methods for writing packet data.
// Multi-byte integers are big-endian unless the method says otherwise.
type Writer struct {
	buf *bytes.Buffer
}

// writerPool reduces allocations by reusing Writers.
// Get() returns a Writer with Reset() called, Put() returns it to pool.
var writerPool = sync.Pool{
	New: func() any {
		return &Writer{
			buf: bytes.NewBuffer(make([]byte, 0, 512)),
		}
	},
}

// Get returns a Writer from the pool (already Reset).
func Get() *Writer {
	w := writerPool.Get().(*Writer)
	w.Reset()
	return w
}

// Put returns a Writer to the pool for reuse.
// IMPORTANT: Do not use the Writer or its Bytes after calling Put.
func (w *Writer) Put() {
	writerPool.Put(w)
}

// NewWriter creates a new packet writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{
		buf: bytes.NewBuffer(make([]byte, 0, capacity)),
	}
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) error {
	return w.buf.WriteByte(b)
}

// WriteBool writes a boolean as one byte.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
		return
	}
	w.buf.WriteByte(0)
}

// WriteInt writes an int32 (4 bytes, BE).
func (w *Writer) WriteInt(val int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(val))
	w.buf.Write(b[:])
}

// WriteIntLE writes an int32 (4 bytes, LE).
func (w *Writer) WriteIntLE(val int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(val))
	w.buf.Write(b[:])
}

// WriteUvarint writes an unsigned varint.
func (w *Writer) WriteUvarint(val uint32) {
	var b [binary.MaxVarintLen32]byte
	n := binary.PutUvarint(b[:], uint64(val))
	w.buf.Write(b[:n])
}

// WriteBytes writes raw bytes.
func (w *Writer) WriteBytes(data []byte) {
	w.buf.Write(data)
}

// WriteLengthPrefixed writes a uvarint length followed by data.
func (w *Writer) WriteLengthPrefixed(data []byte) {
	w.WriteUvarint(uint32(len(data)))
	w.buf.Write(data)
}

// WriteString writes a uvarint-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) {
	w.WriteUvarint(uint32(len(s)))
	w.buf.WriteString(s)
}

// Bytes returns the written data. Valid until the next write or Reset.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Reset clears the writer for reuse.
func (w *Writer) Reset() {
	w.buf.Reset()
}
