package testutil

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/udisondev/bedrockproxy/internal/crypto"
	"github.com/udisondev/bedrockproxy/internal/protocol/packet"
)

// TestProtocolVersion is the protocol version test clients announce.
const TestProtocolVersion int32 = 407

// Player is a test client identity with its own session key.
type Player struct {
	Key  *ecdsa.PrivateKey
	Name string
	ID   uuid.UUID
	XUID string
}

// NewPlayer creates a player with a fresh P-384 key.
func NewPlayer(t testing.TB, name string) *Player {
	t.Helper()
	return &Player{
		Key:  MustKey(t),
		Name: name,
		ID:   uuid.New(),
		XUID: "2535400000000042",
	}
}

// EncodedKey returns the player's public key as base64 PKIX.
func (p *Player) EncodedKey(t testing.TB) string {
	t.Helper()
	return MustEncode(t, &p.Key.PublicKey)
}

func (p *Player) extraData() map[string]any {
	return map[string]any{
		crypto.ClaimDisplayName: p.Name,
		crypto.ClaimIdentity:    p.ID.String(),
		crypto.ClaimXUID:        p.XUID,
	}
}

// SelfSignedChain returns the one-link chain an offline client sends.
func (p *Player) SelfSignedChain(t testing.TB) []string {
	t.Helper()
	return []string{MustSign(t, p.Key, map[string]any{
		crypto.ClaimIdentityPublicKey: p.EncodedKey(t),
		crypto.ClaimExtraData:         p.extraData(),
	})}
}

// SkinToken returns skin claims signed with the player's session key.
func (p *Player) SkinToken(t testing.TB) string {
	t.Helper()
	return MustSign(t, p.Key, map[string]any{
		"SkinId":           "Standard_Custom",
		"ClientRandomId":   json.Number("8261944313584213"),
		"CurrentInputMode": 1,
		"LanguageCode":     "en_US",
	})
}

// Login builds the login packet for chain with the player's skin token.
func (p *Player) Login(t testing.TB, chain []string) *packet.Login {
	t.Helper()
	return &packet.Login{
		Protocol: TestProtocolVersion,
		Chain:    ChainDocument(t, chain),
		Skin:     p.SkinToken(t),
	}
}

// Authority stands in for the Xbox Live root key.
type Authority struct {
	Key *ecdsa.PrivateKey
}

// NewAuthority creates a root with a fresh key.
func NewAuthority(t testing.TB) *Authority {
	t.Helper()
	return &Authority{Key: MustKey(t)}
}

// Provider returns a crypto provider trusting this authority.
func (a *Authority) Provider(t testing.TB, opts ...crypto.ProviderOption) *crypto.Provider {
	t.Helper()

	opts = append([]crypto.ProviderOption{crypto.WithRootKey(&a.Key.PublicKey)}, opts...)
	p, err := crypto.NewProvider(opts...)
	if err != nil {
		t.Fatalf("creating provider: %v", err)
	}
	return p
}

// Chain returns a chain shaped like an Xbox Live login: the client's
// self-signed link first, then root -> intermediate -> identity.
func (a *Authority) Chain(t testing.TB, p *Player) []string {
	t.Helper()

	intermediate := MustKey(t)

	self := MustSign(t, p.Key, map[string]any{
		crypto.ClaimCertificateAuthority: true,
		crypto.ClaimIdentityPublicKey:    MustEncode(t, &a.Key.PublicKey),
	})
	fromRoot := MustSign(t, a.Key, map[string]any{
		crypto.ClaimCertificateAuthority: true,
		crypto.ClaimIdentityPublicKey:    MustEncode(t, &intermediate.PublicKey),
	})
	identity := MustSign(t, intermediate, map[string]any{
		crypto.ClaimIdentityPublicKey: p.EncodedKey(t),
		crypto.ClaimExtraData:         p.extraData(),
	})
	return []string{self, fromRoot, identity}
}

// ChainDocument wraps chain into the JSON document of a login packet.
func ChainDocument(t testing.TB, chain []string) []byte {
	t.Helper()

	doc, err := json.Marshal(crypto.LoginChain{Chain: chain})
	if err != nil {
		t.Fatalf("marshaling chain: %v", err)
	}
	return doc
}

// MustKey generates a P-384 key.
func MustKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()

	key, err := crypto.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

// MustEncode encodes pub as base64 PKIX.
func MustEncode(t testing.TB, pub *ecdsa.PublicKey) string {
	t.Helper()

	s, err := crypto.EncodePublicKey(pub)
	if err != nil {
		t.Fatalf("encoding key: %v", err)
	}
	return s
}

// MustSign signs claims with key, advertising key in x5u.
func MustSign(t testing.TB, key *ecdsa.PrivateKey, claims any) string {
	t.Helper()

	tok, err := crypto.SignToken(rand.Reader, key, claims)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return tok
}
