package protocol

import (
	"bytes"
	"crypto/rand"
	"errors"
	mrand "math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
)

func newCodec(t *testing.T, opts ...CodecOption) *BatchCodec {
	t.Helper()
	c, err := NewBatchCodec(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// armedPair returns a sender and receiver codec sharing cipher material.
func armedPair(t *testing.T) (*BatchCodec, *BatchCodec) {
	t.Helper()

	a, err := crypto.GenerateKey(rand.Reader)
	require.NoError(t, err)
	b, err := crypto.GenerateKey(rand.Reader)
	require.NoError(t, err)
	salt := []byte("codec-test-salt!")

	left, err := crypto.Begin(a, &b.PublicKey, salt)
	require.NoError(t, err)
	right, err := crypto.Begin(b, &a.PublicKey, salt)
	require.NoError(t, err)

	sender := newCodec(t)
	sender.ArmEncrypt(left.Encrypt)
	receiver := newCodec(t)
	receiver.ArmDecrypt(right.Decrypt)
	return sender, receiver
}

func opaque(id uint32, body []byte) *packet.Opaque {
	return &packet.Opaque{RawHeader: id, Body: body}
}

func TestBatchCodec_RoundTrip(t *testing.T) {
	rng := mrand.New(mrand.NewPCG(1, 2))
	c := newCodec(t)
	reg := packet.DefaultRegistry()

	sizes := []int{0, 1, 127, 128, 300, 4096, 64 * 1024}
	var pkts []packet.Packet
	for i, size := range sizes {
		body := make([]byte, size)
		for j := range body {
			body[j] = byte(rng.UintN(256))
		}
		// ids above the handshake range so everything stays opaque
		pkts = append(pkts, opaque(uint32(0x10+i), body))
	}

	batch, err := c.Encode(pkts)
	require.NoError(t, err)
	require.Equal(t, BatchMarker, batch[0])

	subs, err := c.Decode(batch)
	require.NoError(t, err)

	got, err := DecodeAll(reg, subs)
	require.NoError(t, err)
	require.Len(t, got, len(pkts))
	for i := range pkts {
		assert.Equal(t, pkts[i], got[i], "packet %d", i)
	}
}

func TestBatchCodec_EmptyBatch(t *testing.T) {
	c := newCodec(t)

	batch, err := c.Encode(nil)
	require.NoError(t, err)
	require.Greater(t, len(batch), 1, "an empty batch still carries a valid DEFLATE stream")

	subs, err := c.Decode(batch)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestBatchCodec_OpaqueBytesSurvive(t *testing.T) {
	c := newCodec(t)

	// header with sub-client bits, unknown id
	w := packet.NewWriter(16)
	w.WriteUvarint(0x1C9 | 3<<10)
	w.WriteBytes([]byte{9, 8, 7, 6, 5})
	original := append([]byte(nil), w.Bytes()...)

	batch, err := c.EncodeRaw([][]byte{original})
	require.NoError(t, err)
	subs, err := c.Decode(batch)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	p, err := packet.DefaultRegistry().Decode(subs[0])
	require.NoError(t, err)

	// re-encoding through the codec reproduces the sub-packet exactly
	batch2, err := c.Encode([]packet.Packet{p})
	require.NoError(t, err)
	subs2, err := c.Decode(batch2)
	require.NoError(t, err)
	assert.Equal(t, original, subs2[0])
}

func TestBatchCodec_Encrypted(t *testing.T) {
	sender, receiver := armedPair(t)
	assert.True(t, sender.EncryptArmed())
	assert.True(t, receiver.DecryptArmed())

	for i := range 5 {
		pkts := []packet.Packet{
			&packet.PlayStatus{Status: int32(i)},
			opaque(0x20, bytes.Repeat([]byte{byte(i)}, 100*i)),
		}
		batch, err := sender.Encode(pkts)
		require.NoError(t, err)

		subs, err := receiver.Decode(batch)
		require.NoError(t, err, "batch %d", i)
		got, err := DecodeAll(packet.DefaultRegistry(), subs)
		require.NoError(t, err)
		assert.Equal(t, pkts, got)
	}
}

func TestBatchCodec_EncryptedTamperRejected(t *testing.T) {
	sender, receiver := armedPair(t)

	batch, err := sender.Encode([]packet.Packet{opaque(0x30, []byte("secret"))})
	require.NoError(t, err)

	batch[len(batch)-1] ^= 0x80
	_, err = receiver.Decode(batch)
	assert.ErrorIs(t, err, crypto.ErrTrailerMismatch)
}

func TestBatchCodec_ClearSenderEncryptedReceiver(t *testing.T) {
	_, receiver := armedPair(t)
	plainCodec := newCodec(t)

	batch, err := plainCodec.Encode([]packet.Packet{opaque(0x30, []byte("plain"))})
	require.NoError(t, err)

	_, err = receiver.Decode(batch)
	assert.Error(t, err, "unencrypted batch must not pass an armed decoder")
}

func TestBatchCodec_NestedBatchRejected(t *testing.T) {
	c := newCodec(t)

	inner, err := c.Encode([]packet.Packet{opaque(0x40, []byte{1})})
	require.NoError(t, err)

	w := packet.NewWriter(8)
	w.WriteUvarint(packet.IDBatch | 1<<10)
	w.WriteBytes([]byte{0x00})

	tests := map[string][]byte{
		"whole batch datagram as sub-packet": inner,
		"batch id in sub-packet header":      w.Bytes(),
	}

	for name, sub := range tests {
		t.Run(name, func(t *testing.T) {
			batch, err := c.EncodeRaw([][]byte{{0x41, 0x00}, sub})
			require.NoError(t, err)

			_, err = c.Decode(batch)
			assert.ErrorIs(t, err, ErrNestedBatch)
		})
	}
}

func TestBatchCodec_SizeLimit(t *testing.T) {
	c := newCodec(t, WithMaxBatchSize(1024))

	batch, err := c.Encode([]packet.Packet{opaque(0x50, make([]byte, 4096))})
	require.NoError(t, err)

	_, err = c.Decode(batch)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestBatchCodec_Malformed(t *testing.T) {
	c := newCodec(t)

	t.Run("not a batch", func(t *testing.T) {
		_, err := c.Decode([]byte{0x01, 0x02})
		assert.ErrorIs(t, err, ErrNotBatch)
	})

	t.Run("garbage deflate", func(t *testing.T) {
		_, err := c.Decode([]byte{BatchMarker, 0xFF, 0xFF, 0xFF, 0xFF})
		assert.ErrorIs(t, err, ErrMalformedBatch)
	})

	t.Run("declared length beyond data", func(t *testing.T) {
		batch, err := c.EncodeRaw(nil)
		require.NoError(t, err)

		// deflate a buffer that declares a 1000 byte sub-packet but carries 2
		raw := newCodec(t)
		bogus, err := raw.seal([]byte{0xE8, 0x07, 0x01, 0x02})
		require.NoError(t, err)
		_, err = c.Decode(bogus)
		assert.ErrorIs(t, err, ErrMalformedBatch)

		// the codec keeps working after a malformed batch
		_, err = c.Decode(batch)
		assert.NoError(t, err)
	})
}

func TestBatchCodec_Close(t *testing.T) {
	c, err := NewBatchCodec()
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "Close must be idempotent")

	_, err = c.Encode(nil)
	assert.True(t, errors.Is(err, ErrCodecClosed))
	_, err = c.Decode([]byte{BatchMarker})
	assert.True(t, errors.Is(err, ErrCodecClosed))
}

func TestUnpack(t *testing.T) {
	c := newCodec(t)

	single := []byte{0x05, 0x01}
	subs, err := Unpack(c, single)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{single}, subs)

	batch, err := c.Encode([]packet.Packet{&packet.ClientHandshake{}})
	require.NoError(t, err)
	subs, err = Unpack(c, batch)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x04}}, subs)

	_, err = Unpack(c, nil)
	assert.ErrorIs(t, err, ErrMalformedBatch)
}

func TestUnpack_ArmedLinkRefusesCleartext(t *testing.T) {
	sender, receiver := armedPair(t)

	_, err := Unpack(receiver, []byte{0x09, 'e', 'v', 'i', 'l'})
	assert.ErrorIs(t, err, ErrNotBatch)

	batch, err := sender.Encode([]packet.Packet{opaque(0x09, []byte("sealed"))})
	require.NoError(t, err)
	subs, err := Unpack(receiver, batch)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{append([]byte{0x09}, "sealed"...)}, subs)
}
