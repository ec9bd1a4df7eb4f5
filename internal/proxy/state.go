package proxy

// LinkState is the handshake state of one side of a session.
type LinkState int32

const (
	LinkAwaitingHandshake LinkState = iota // nothing exchanged yet
	LinkKeyExchangeSent                    // our key is on the wire, waiting for the peer
	LinkEncryptionArmed                    // both directions of the link are encrypted
)

func (s LinkState) String() string {
	switch s {
	case LinkAwaitingHandshake:
		return "AWAITING_HANDSHAKE"
	case LinkKeyExchangeSent:
		return "KEY_EXCHANGE_SENT"
	case LinkEncryptionArmed:
		return "ENCRYPTION_ARMED"
	default:
		return "UNKNOWN"
	}
}

// SessionState is the lifecycle of a proxied connection.
type SessionState int32

const (
	StateLingering   SessionState = iota // client accepted, backend not ready
	StateEstablished                     // both links encrypted, relaying
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateLingering:
		return "LINGERING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
