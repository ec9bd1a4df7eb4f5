package packet

import (
	"bytes"
	"fmt"
)

// DecodeFunc decodes a packet body.
type DecodeFunc func(r *Reader) (Packet, error)

// Registry resolves packet ids to decoders. Ids without a decoder decode to
// Opaque. A Registry is read-only after construction.
type Registry struct {
	decoders map[uint32]DecodeFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[uint32]DecodeFunc)}
}

// DefaultRegistry returns a registry with the handshake packets registered.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(IDLogin, decodeLogin)
	reg.Register(IDPlayStatus, decodePlayStatus)
	reg.Register(IDServerHandshake, decodeServerHandshake)
	reg.Register(IDClientHandshake, decodeClientHandshake)
	reg.Register(IDDisconnect, decodeDisconnect)
	return reg
}

// Register binds fn to id, replacing any previous decoder.
func (reg *Registry) Register(id uint32, fn DecodeFunc) {
	reg.decoders[id&IDMask] = fn
}

// Decode decodes one raw sub-packet ([uvarint header][body]). The returned
// packet owns its memory; raw may be reused afterwards.
func (reg *Registry) Decode(raw []byte) (Packet, error) {
	r := NewReader(raw)
	header, err := r.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("reading packet header: %w", err)
	}
	id := header & IDMask

	fn, ok := reg.decoders[id]
	if !ok {
		return &Opaque{RawHeader: header, Body: bytes.Clone(r.ReadRemaining())}, nil
	}

	p, err := fn(r)
	if err != nil {
		return nil, fmt.Errorf("decoding packet 0x%02X: %w", id, err)
	}
	return p, nil
}
