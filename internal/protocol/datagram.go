package protocol

import (
	"fmt"

	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
)

// IsBatch reports whether datagram is a batch.
func IsBatch(datagram []byte) bool {
	return len(datagram) > 0 && datagram[0] == BatchMarker
}

// Unpack splits a datagram into raw sub-packets. Batches go through the
// codec; anything else is a single [id][body] packet returned as is. Once
// the codec decrypts, only batches are accepted.
func Unpack(c *BatchCodec, datagram []byte) ([][]byte, error) {
	if len(datagram) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedBatch)
	}
	if IsBatch(datagram) {
		return c.Decode(datagram)
	}
	if c.DecryptArmed() {
		return nil, fmt.Errorf("%w: cleartext packet 0x%02X on encrypted link", ErrNotBatch, datagram[0])
	}
	return [][]byte{datagram}, nil
}

// DecodeAll decodes raw sub-packets with reg. Decoding stops at the first
// malformed packet.
func DecodeAll(reg *packet.Registry, subs [][]byte) ([]packet.Packet, error) {
	pkts := make([]packet.Packet, 0, len(subs))
	for _, sub := range subs {
		p, err := reg.Decode(sub)
		if err != nil {
			return pkts, err
		}
		pkts = append(pkts, p)
	}
	return pkts, nil
}
