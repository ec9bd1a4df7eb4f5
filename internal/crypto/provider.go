package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
)

// MojangRootKey is the base64 PKIX encoding of the root key that anchors
// every authenticated login chain.
const MojangRootKey = "MHYwEAYHKoZIzj0CAQYFK4EEACIDYgAE8ELkixyLcwlZryUQcu1TvPOmI2B7vX83ndnWRUaXm74wFfa5f/lwQNTfrLVHa2PmenpGI6JhIMUJaWZrjmMj90NoKNFSNBuKdm8rYiXsfaz3K36x/1U26HpG0ZxK/V1V"

// SaltSize is the size of the salt the proxy generates for client handshakes.
const SaltSize = 16

// Provider carries the process-wide key material: the trusted root and the
// proxy's own key pair. Constructed once at start and passed to every session.
type Provider struct {
	root       *ecdsa.PublicKey
	rootKey    string
	key        *ecdsa.PrivateKey
	encodedPub string
	rand       io.Reader
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithRootKey overrides the compiled-in trust root.
func WithRootKey(pub *ecdsa.PublicKey) ProviderOption {
	return func(p *Provider) { p.root = pub }
}

// WithPrivateKey makes the provider use an existing key pair instead of
// generating one.
func WithPrivateKey(key *ecdsa.PrivateKey) ProviderOption {
	return func(p *Provider) { p.key = key }
}

// WithRandom sets the randomness source for key generation, salts and signatures.
func WithRandom(r io.Reader) ProviderOption {
	return func(p *Provider) { p.rand = r }
}

// NewProvider creates a provider with the compiled-in root and a fresh
// P-384 key pair.
func NewProvider(opts ...ProviderOption) (*Provider, error) {
	p := &Provider{rand: rand.Reader}
	for _, opt := range opts {
		opt(p)
	}

	if p.root == nil {
		root, err := DecodePublicKey(MojangRootKey)
		if err != nil {
			return nil, fmt.Errorf("decoding root key: %w", err)
		}
		p.root = root
	}
	rootKey, err := EncodePublicKey(p.root)
	if err != nil {
		return nil, fmt.Errorf("encoding root key: %w", err)
	}
	p.rootKey = rootKey

	if p.key == nil {
		key, err := GenerateKey(p.rand)
		if err != nil {
			return nil, err
		}
		p.key = key
	}
	encoded, err := EncodePublicKey(&p.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding proxy key: %w", err)
	}
	p.encodedPub = encoded

	return p, nil
}

// PublicKey returns the proxy's public key.
func (p *Provider) PublicKey() *ecdsa.PublicKey {
	return &p.key.PublicKey
}

// EncodedPublicKey returns the proxy's public key as base64 PKIX.
func (p *Provider) EncodedPublicKey() string {
	return p.encodedPub
}

// NewSalt returns SaltSize random bytes.
func (p *Provider) NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(p.rand, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// Begin derives cipher material between the proxy key and remote and
// returns a fresh session with both counters at zero.
func (p *Provider) Begin(remote *ecdsa.PublicKey, salt []byte) (*Session, error) {
	return Begin(p.key, remote, salt)
}

// GenerateKey generates a P-384 key pair.
func GenerateKey(r io.Reader) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), r)
	if err != nil {
		return nil, fmt.Errorf("generating P-384 key: %w", err)
	}
	return key, nil
}

// EncodePublicKey encodes pub as base64 (standard alphabet) PKIX DER.
func EncodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses a base64 PKIX DER P-384 public key.
func DecodePublicKey(s string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrUnsupportedKey, err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P384() {
		return nil, fmt.Errorf("%w: not a P-384 key", ErrUnsupportedKey)
	}
	return pub, nil
}

// sharedSecret returns the ECDH x-coordinate between priv and pub.
func sharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	local, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting private key: %w", err)
	}
	remote, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	if local.Curve() != ecdh.P384() || remote.Curve() != ecdh.P384() {
		return nil, ErrUnsupportedKey
	}
	secret, err := local.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	return secret, nil
}
