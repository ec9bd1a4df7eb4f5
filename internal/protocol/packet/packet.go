package packet

import "fmt"

// Packet ids of the handshake-relevant packets.
const (
	IDLogin           uint32 = 0x01
	IDPlayStatus      uint32 = 0x02
	IDServerHandshake uint32 = 0x03 // server to client: begin encryption
	IDClientHandshake uint32 = 0x04 // client to server: encryption acknowledged
	IDDisconnect      uint32 = 0x05

	// IDBatch marks a batch datagram. It must never appear as the id of a
	// sub-packet.
	IDBatch uint32 = 0xFE
)

// IDMask selects the packet id from a sub-packet header. The remaining bits
// carry sender and target sub-client ids.
const IDMask uint32 = 0x3FF

// Packet is one decoded logical packet.
type Packet interface {
	// ID returns the packet id without sub-client bits.
	ID() uint32
	// Encode writes the packet body (without header).
	Encode(w *Writer) error
}

// Headered is implemented by packets that carry their full original header.
type Headered interface {
	Header() uint32
}

// HeaderOf returns the header value to write for p.
func HeaderOf(p Packet) uint32 {
	if h, ok := p.(Headered); ok {
		return h.Header()
	}
	return p.ID()
}

// Marshal encodes p as [uvarint header][body].
func Marshal(p Packet) ([]byte, error) {
	w := Get()
	defer w.Put()

	if err := MarshalTo(w, p); err != nil {
		return nil, err
	}
	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out, nil
}

// MarshalTo appends the encoding of p to w.
func MarshalTo(w *Writer, p Packet) error {
	w.WriteUvarint(HeaderOf(p))
	if err := p.Encode(w); err != nil {
		return fmt.Errorf("encoding packet 0x%02X: %w", p.ID(), err)
	}
	return nil
}

// PeekHeader reads the header of a raw sub-packet.
func PeekHeader(raw []byte) (uint32, error) {
	return NewReader(raw).ReadUvarint()
}

// Opaque is a packet without a registered decoder. It re-encodes to the
// exact bytes it was decoded from.
type Opaque struct {
	RawHeader uint32
	Body      []byte
}

func (o *Opaque) ID() uint32     { return o.RawHeader & IDMask }
func (o *Opaque) Header() uint32 { return o.RawHeader }

func (o *Opaque) Encode(w *Writer) error {
	w.WriteBytes(o.Body)
	return nil
}
