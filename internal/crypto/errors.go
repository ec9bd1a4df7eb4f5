package crypto

import "errors"

var (
	// ErrTrailerMismatch is returned when a decrypted frame carries a wrong
	// authentication trailer. The frame must be dropped.
	ErrTrailerMismatch = errors.New("crypto: authentication trailer mismatch")
	// ErrShortFrame is returned when an encrypted frame is shorter than its trailer.
	ErrShortFrame = errors.New("crypto: frame shorter than trailer")

	ErrMalformedToken = errors.New("crypto: malformed token")
	ErrBadSignature   = errors.New("crypto: signature verification failed")
	ErrUnsupportedKey = errors.New("crypto: unsupported public key")

	// ErrForgedLink is returned when a chain link carries no x5u at all.
	ErrForgedLink = errors.New("crypto: chain link without signing key")
	// ErrUntrustedChain is returned when the remaining links cannot be
	// reached from any trusted key.
	ErrUntrustedChain = errors.New("crypto: chain does not resolve to a trusted key")
	// ErrMissingIdentity is returned when no link of the chain carries an identity.
	ErrMissingIdentity = errors.New("crypto: chain carries no identity")
)
