package packet

import (
	"fmt"
	"math"
)

// Login is sent by the client (and by the proxy to the backend) to start
// the session. Chain is the JSON chain document, Skin the signed skin token.
type Login struct {
	Protocol int32
	Chain    []byte
	Skin     string
}

func (p *Login) ID() uint32 { return IDLogin }

func (p *Login) Encode(w *Writer) error {
	if len(p.Chain) > math.MaxInt32 || len(p.Skin) > math.MaxInt32 {
		return fmt.Errorf("login payload: %w", ErrLengthOutOfRange)
	}

	payload := Get()
	defer payload.Put()
	payload.WriteIntLE(int32(len(p.Chain)))
	payload.WriteBytes(p.Chain)
	payload.WriteIntLE(int32(len(p.Skin)))
	payload.WriteBytes([]byte(p.Skin))

	w.WriteInt(p.Protocol)
	w.WriteLengthPrefixed(payload.Bytes())
	return nil
}

func decodeLogin(r *Reader) (Packet, error) {
	var p Login
	var err error

	if p.Protocol, err = r.ReadInt(); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	payload, err := r.ReadLengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	pr := NewReader(payload)
	chain, err := readIntLEPrefixed(pr)
	if err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}
	skin, err := readIntLEPrefixed(pr)
	if err != nil {
		return nil, fmt.Errorf("skin: %w", err)
	}

	p.Chain = append([]byte(nil), chain...)
	p.Skin = string(skin)
	return &p, nil
}

func readIntLEPrefixed(r *Reader) ([]byte, error) {
	n, err := r.ReadIntLE()
	if err != nil {
		return nil, err
	}
	if n < 0 || int(n) > r.Remaining() {
		return nil, fmt.Errorf("%w (declared=%d, remaining=%d)", ErrLengthOutOfRange, n, r.Remaining())
	}
	return r.ReadBytes(int(n))
}

// Play status values.
const (
	PlayStatusLoginSuccess        int32 = 0
	PlayStatusFailedClient        int32 = 1
	PlayStatusFailedServer        int32 = 2
	PlayStatusPlayerSpawn         int32 = 3
	PlayStatusFailedInvalidTenant int32 = 4
)

// PlayStatus reports login progress.
type PlayStatus struct {
	Status int32
}

func (p *PlayStatus) ID() uint32 { return IDPlayStatus }

func (p *PlayStatus) Encode(w *Writer) error {
	w.WriteInt(p.Status)
	return nil
}

func decodePlayStatus(r *Reader) (Packet, error) {
	status, err := r.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return &PlayStatus{Status: status}, nil
}

// ServerHandshake carries the signed begin-encryption token.
type ServerHandshake struct {
	Token string
}

func (p *ServerHandshake) ID() uint32 { return IDServerHandshake }

func (p *ServerHandshake) Encode(w *Writer) error {
	w.WriteString(p.Token)
	return nil
}

func decodeServerHandshake(r *Reader) (Packet, error) {
	tok, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return &ServerHandshake{Token: tok}, nil
}

// ClientHandshake acknowledges that the sender is ready for encryption.
type ClientHandshake struct{}

func (p *ClientHandshake) ID() uint32 { return IDClientHandshake }

func (p *ClientHandshake) Encode(*Writer) error { return nil }

func decodeClientHandshake(r *Reader) (Packet, error) {
	// trailing bytes are tolerated, some clients pad the packet
	r.ReadRemaining()
	return &ClientHandshake{}, nil
}

// Disconnect closes the session with a message.
type Disconnect struct {
	HideScreen bool
	Message    string
}

func (p *Disconnect) ID() uint32 { return IDDisconnect }

func (p *Disconnect) Encode(w *Writer) error {
	w.WriteBool(p.HideScreen)
	if !p.HideScreen {
		w.WriteString(p.Message)
	}
	return nil
}

func decodeDisconnect(r *Reader) (Packet, error) {
	var p Disconnect
	var err error

	if p.HideScreen, err = r.ReadBool(); err != nil {
		return nil, fmt.Errorf("hide screen: %w", err)
	}
	if !p.HideScreen {
		if p.Message, err = r.ReadString(); err != nil {
			return nil, fmt.Errorf("message: %w", err)
		}
	}
	return &p, nil
}
