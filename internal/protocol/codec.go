package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
)

// BatchMarker is the first byte of every batch datagram.
const BatchMarker byte = byte(packet.IDBatch)

// DefaultMaxBatchSize caps the decompressed size of one batch.
const DefaultMaxBatchSize = 16 << 20

var (
	ErrNotBatch       = errors.New("protocol: datagram is not a batch")
	ErrNestedBatch    = errors.New("protocol: nested batch")
	ErrMalformedBatch = errors.New("protocol: malformed batch")
	ErrBatchTooLarge  = errors.New("protocol: batch exceeds size limit")
	ErrCodecClosed    = errors.New("protocol: codec closed")
)

// BatchCodec frames packets of one link into batches and back.
//
// Outbound: [0xFE] + seal(deflate(concat([uvarint len][sub-packet]))).
// Inbound is the inverse. Sealing and opening only happen once the
// corresponding direction has been armed.
//
// Encode and Decode may run on different goroutines, but each of them must
// not be called concurrently with itself: the cipher streams are positional.
type BatchCodec struct {
	level   int
	maxSize int64

	encMu    sync.Mutex
	deflater *flate.Writer
	enc      *crypto.Encrypter

	decMu    sync.Mutex
	inflater io.ReadCloser
	dec      *crypto.Decrypter

	closed bool
}

// CodecOption configures a BatchCodec.
type CodecOption func(*BatchCodec)

// WithCompressionLevel sets the DEFLATE level (flate.DefaultCompression by default).
func WithCompressionLevel(level int) CodecOption {
	return func(c *BatchCodec) { c.level = level }
}

// WithMaxBatchSize caps the decompressed size of one inbound batch.
func WithMaxBatchSize(n int64) CodecOption {
	return func(c *BatchCodec) { c.maxSize = n }
}

// NewBatchCodec creates a codec with no cipher armed.
func NewBatchCodec(opts ...CodecOption) (*BatchCodec, error) {
	c := &BatchCodec{
		level:   flate.DefaultCompression,
		maxSize: DefaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	w, err := flate.NewWriter(io.Discard, c.level)
	if err != nil {
		return nil, fmt.Errorf("creating deflater: %w", err)
	}
	c.deflater = w
	c.inflater = flate.NewReader(bytes.NewReader(nil))

	return c, nil
}

// ArmEncrypt makes every following Encode seal its payload with enc.
func (c *BatchCodec) ArmEncrypt(enc *crypto.Encrypter) {
	c.encMu.Lock()
	c.enc = enc
	c.encMu.Unlock()
}

// ArmDecrypt makes every following Decode open its payload with dec.
func (c *BatchCodec) ArmDecrypt(dec *crypto.Decrypter) {
	c.decMu.Lock()
	c.dec = dec
	c.decMu.Unlock()
}

// EncryptArmed reports whether outbound batches are encrypted.
func (c *BatchCodec) EncryptArmed() bool {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc != nil
}

// DecryptArmed reports whether inbound batches are decrypted.
func (c *BatchCodec) DecryptArmed() bool {
	c.decMu.Lock()
	defer c.decMu.Unlock()
	return c.dec != nil
}

// Encode marshals packets in order and frames them into one batch.
func (c *BatchCodec) Encode(pkts []packet.Packet) ([]byte, error) {
	w := packet.Get()
	defer w.Put()

	sub := packet.Get()
	defer sub.Put()

	for _, p := range pkts {
		sub.Reset()
		if err := packet.MarshalTo(sub, p); err != nil {
			return nil, err
		}
		w.WriteLengthPrefixed(sub.Bytes())
	}

	return c.seal(w.Bytes())
}

// EncodeRaw frames already marshaled sub-packets into one batch.
func (c *BatchCodec) EncodeRaw(subs [][]byte) ([]byte, error) {
	w := packet.Get()
	defer w.Put()

	for _, s := range subs {
		w.WriteLengthPrefixed(s)
	}
	return c.seal(w.Bytes())
}

func (c *BatchCodec) seal(plain []byte) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	if c.deflater == nil {
		return nil, ErrCodecClosed
	}

	var buf bytes.Buffer
	buf.Grow(len(plain)/2 + 16)
	buf.WriteByte(BatchMarker)

	c.deflater.Reset(&buf)
	if _, err := c.deflater.Write(plain); err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}
	if err := c.deflater.Close(); err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}

	out := buf.Bytes()
	if c.enc != nil {
		sealed := c.enc.Seal(out[1:])
		out = append(out[:1], sealed...)
	}
	return out, nil
}

// Decode unframes one batch datagram into raw sub-packets
// ([uvarint header][body] each). The returned slices share one buffer that
// the caller owns.
func (c *BatchCodec) Decode(datagram []byte) ([][]byte, error) {
	if len(datagram) == 0 || datagram[0] != BatchMarker {
		return nil, ErrNotBatch
	}

	plain, err := c.open(datagram[1:])
	if err != nil {
		return nil, err
	}
	return split(plain)
}

func (c *BatchCodec) open(payload []byte) ([]byte, error) {
	c.decMu.Lock()
	defer c.decMu.Unlock()

	if c.inflater == nil {
		return nil, ErrCodecClosed
	}

	if c.dec != nil {
		var err error
		if payload, err = c.dec.Open(payload); err != nil {
			return nil, fmt.Errorf("opening batch: %w", err)
		}
	}

	if err := c.inflater.(flate.Resetter).Reset(bytes.NewReader(payload), nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	var out bytes.Buffer
	n, err := out.ReadFrom(io.LimitReader(c.inflater, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflating: %v", ErrMalformedBatch, err)
	}
	if n > c.maxSize {
		return nil, fmt.Errorf("%w (limit %d)", ErrBatchTooLarge, c.maxSize)
	}
	return out.Bytes(), nil
}

// split cuts the decompressed batch into its length-prefixed sub-packets.
func split(plain []byte) ([][]byte, error) {
	var subs [][]byte
	r := packet.NewReader(plain)

	for r.Remaining() > 0 {
		sub, err := r.ReadLengthPrefixed()
		if err != nil {
			return nil, fmt.Errorf("%w: sub-packet at %d: %v", ErrMalformedBatch, r.Position(), err)
		}

		if len(sub) > 0 && sub[0] == BatchMarker {
			return nil, ErrNestedBatch
		}
		header, err := packet.PeekHeader(sub)
		if err != nil {
			return nil, fmt.Errorf("%w: sub-packet header: %v", ErrMalformedBatch, err)
		}
		if header&packet.IDMask == packet.IDBatch {
			return nil, ErrNestedBatch
		}

		subs = append(subs, sub)
	}
	return subs, nil
}

// Close releases the compressor and decompressor. Further Encode and
// Decode calls fail with ErrCodecClosed. Safe to call more than once.
func (c *BatchCodec) Close() error {
	c.encMu.Lock()
	c.deflater = nil
	c.enc = nil
	c.encMu.Unlock()

	c.decMu.Lock()
	defer c.decMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	err := c.inflater.Close()
	c.inflater = nil
	c.dec = nil
	return err
}
