package crypto

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/udisondev/bedrockproxy/internal/model"
)

// forgedChainTTL is how long a proxy-issued login chain stays valid.
const forgedChainTTL = 24 * time.Hour

// LoginChain is the JSON document carried in the chain part of a login.
type LoginChain struct {
	Chain []string `json:"chain"`
}

// ParseLoginChain decodes the chain document of a login packet.
func ParseLoginChain(data []byte) ([]string, error) {
	var lc LoginChain
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("%w: chain document: %v", ErrMalformedToken, err)
	}
	return lc.Chain, nil
}

type forgedExtraData struct {
	DisplayName string `json:"displayName"`
	Identity    string `json:"identity"`
}

type forgedChainClaims struct {
	NotBefore            int64           `json:"nbf"`
	IssuedAt             int64           `json:"iat"`
	Expires              int64           `json:"exp"`
	Issuer               string          `json:"iss"`
	CertificateAuthority bool            `json:"certificateAuthority"`
	RandomNonce          int64           `json:"randomNonce"`
	IdentityPublicKey    string          `json:"identityPublicKey"`
	ExtraData            forgedExtraData `json:"extraData"`
}

// ForgeChain issues a self-signed single-link chain document asserting id
// with the proxy key as identity key.
func (p *Provider) ForgeChain(id *model.Identity, now time.Time) ([]byte, error) {
	var nonce [8]byte
	if _, err := io.ReadFull(p.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	claims := forgedChainClaims{
		NotBefore:            now.Unix(),
		IssuedAt:             now.Unix(),
		Expires:              now.Add(forgedChainTTL).Unix(),
		Issuer:               "self",
		CertificateAuthority: true,
		RandomNonce:          int64(binary.LittleEndian.Uint64(nonce[:]) >> 1),
		IdentityPublicKey:    p.encodedPub,
		ExtraData: forgedExtraData{
			DisplayName: id.DisplayName,
			Identity:    id.ID.String(),
		},
	}

	link, err := SignToken(p.rand, p.key, claims)
	if err != nil {
		return nil, fmt.Errorf("forging chain link: %w", err)
	}
	doc, err := json.Marshal(LoginChain{Chain: []string{link}})
	if err != nil {
		return nil, fmt.Errorf("marshaling chain: %w", err)
	}
	return doc, nil
}

// ForgeSkin re-signs the client's skin claims with the proxy key.
func (p *Provider) ForgeSkin(skin Claims) (string, error) {
	if skin == nil {
		skin = Claims{}
	}
	tok, err := SignToken(p.rand, p.key, skin)
	if err != nil {
		return "", fmt.Errorf("forging skin token: %w", err)
	}
	return tok, nil
}

// VerifySkin checks the client's skin token. Its signer must be either a
// key of the chain's trust set or the client's own session key.
func VerifySkin(raw string, trust TrustSet, session *ecdsa.PublicKey) (Claims, error) {
	tok, err := ParseToken(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing skin token: %w", err)
	}

	key, ok := trust.Lookup(tok.Header.X5U)
	if !ok {
		key = session
	}
	if err := tok.Verify(key); err != nil {
		return nil, fmt.Errorf("verifying skin token: %w", err)
	}
	return tok.Claims, nil
}

type handshakeClaims struct {
	Salt string `json:"salt"`
}

// ForgeHandshake signs the begin-encryption token carrying salt.
func (p *Provider) ForgeHandshake(salt []byte) (string, error) {
	tok, err := SignToken(p.rand, p.key, handshakeClaims{
		Salt: base64.StdEncoding.EncodeToString(salt),
	})
	if err != nil {
		return "", fmt.Errorf("forging handshake token: %w", err)
	}
	return tok, nil
}

// VerifyHandshake checks a begin-encryption token against the key it
// advertises and returns that key and the salt.
func VerifyHandshake(raw string) (*ecdsa.PublicKey, []byte, error) {
	tok, err := ParseToken(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing handshake token: %w", err)
	}
	if tok.Header.X5U == "" {
		return nil, nil, ErrForgedLink
	}

	remote, err := DecodePublicKey(tok.Header.X5U)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding handshake key: %w", err)
	}
	if err := tok.Verify(remote); err != nil {
		return nil, nil, fmt.Errorf("verifying handshake token: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(tok.Claims.String(ClaimSalt))
	if err != nil || len(salt) == 0 {
		return nil, nil, fmt.Errorf("%w: handshake salt", ErrMalformedToken)
	}
	return remote, salt, nil
}
