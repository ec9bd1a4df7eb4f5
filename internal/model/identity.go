package model

import (
	"crypto/ecdsa"

	"github.com/google/uuid"
)

// Identity is the player identity extracted from a login certificate chain.
// Immutable once produced by the chain validator.
type Identity struct {
	DisplayName string
	ID          uuid.UUID
	// XUID is the Xbox Live user id. Empty for unauthenticated logins.
	XUID string
	// PublicKey is the client's session key (identityPublicKey of the link
	// that carried the identity).
	PublicKey *ecdsa.PublicKey
	// Authenticated is true only when the identity came from a link that
	// chains back to the trusted root.
	Authenticated bool
}

// Complete reports whether all mandatory identity fields are present.
func (i *Identity) Complete() bool {
	return i != nil && i.DisplayName != "" && i.ID != uuid.Nil && i.PublicKey != nil
}
