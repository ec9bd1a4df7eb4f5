package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// SigningAlgorithm is the only algorithm tokens are signed and verified with.
// The alg header of incoming tokens is ignored.
const SigningAlgorithm = "ES384"

// p384ScalarSize is the byte length of r and s in a JOSE ES384 signature.
const p384ScalarSize = 48

// Header is the JOSE header of a token.
type Header struct {
	Alg string `json:"alg"`
	X5U string `json:"x5u,omitempty"`
}

// Claims is the decoded claim set. Numbers are kept as json.Number so
// re-signed claims keep their exact values.
type Claims map[string]any

// String returns the string claim key, or "" when absent or not a string.
func (c Claims) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Bool returns the boolean claim key and whether it was present as a bool.
func (c Claims) Bool(key string) (value, ok bool) {
	value, ok = c[key].(bool)
	return value, ok
}

// Map returns the nested object claim key.
func (c Claims) Map(key string) (Claims, bool) {
	m, ok := c[key].(map[string]any)
	return Claims(m), ok
}

// Token is a parsed header.claims.signature token.
type Token struct {
	Raw       string
	Header    Header
	Claims    Claims
	Signature []byte

	signed string
}

// ParseToken decodes all three segments of raw. The signature is not verified.
func ParseToken(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %d segments", ErrMalformedToken, len(parts))
	}

	t := &Token{Raw: raw, signed: parts[0] + "." + parts[1]}

	if err := decodeJSONSegment(parts[0], &t.Header); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if err := decodeJSONSegment(parts[1], &t.Claims); err != nil {
		return nil, fmt.Errorf("decoding claims: %w", err)
	}
	if t.Claims == nil {
		return nil, fmt.Errorf("%w: empty claims", ErrMalformedToken)
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	t.Signature = sig

	return t, nil
}

// PeekHeader decodes only the header segment of raw.
func PeekHeader(raw string) (Header, error) {
	var h Header
	head, _, ok := strings.Cut(raw, ".")
	if !ok {
		return h, fmt.Errorf("%w: no header separator", ErrMalformedToken)
	}
	if err := decodeJSONSegment(head, &h); err != nil {
		return h, fmt.Errorf("decoding header: %w", err)
	}
	return h, nil
}

// PeekClaims decodes only the claims segment of raw.
func PeekClaims(raw string) (Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %d segments", ErrMalformedToken, len(parts))
	}
	var c Claims
	if err := decodeJSONSegment(parts[1], &c); err != nil {
		return nil, fmt.Errorf("decoding claims: %w", err)
	}
	return c, nil
}

// Verify checks the signature with ES384 regardless of the header's alg.
func (t *Token) Verify(pub *ecdsa.PublicKey) error {
	if pub == nil || pub.Curve != elliptic.P384() {
		return ErrUnsupportedKey
	}

	der := t.Signature
	if len(der) == 2*p384ScalarSize {
		var err error
		if der, err = joseToDER(t.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	}

	digest := sha512.Sum384([]byte(t.signed))
	if !ecdsa.VerifyASN1(pub, digest[:], der) {
		return ErrBadSignature
	}
	return nil
}

// SignToken serializes claims and signs them with key. The header
// advertises key's public half in x5u.
func SignToken(rand io.Reader, key *ecdsa.PrivateKey, claims any) (string, error) {
	x5u, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	header, err := json.Marshal(Header{Alg: SigningAlgorithm, X5U: x5u})
	if err != nil {
		return "", fmt.Errorf("marshaling header: %w", err)
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling claims: %w", err)
	}

	signed := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(body)
	digest := sha512.Sum384([]byte(signed))

	der, err := ecdsa.SignASN1(rand, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	sig, err := derToJOSE(der)
	if err != nil {
		return "", err
	}

	return signed + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func decodeSegment(seg string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return b, nil
}

func decodeJSONSegment(seg string, v any) error {
	b, err := decodeSegment(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return nil
}

// derToJOSE converts an ASN.1 ECDSA signature to fixed-size r || s.
func derToJOSE(der []byte) ([]byte, error) {
	r, s := new(big.Int), new(big.Int)
	input := cryptobyte.String(der)

	var inner cryptobyte.String
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, fmt.Errorf("%w: invalid DER signature", ErrBadSignature)
	}
	if r.Sign() < 0 || s.Sign() < 0 || r.BitLen() > 8*p384ScalarSize || s.BitLen() > 8*p384ScalarSize {
		return nil, fmt.Errorf("%w: signature scalar out of range", ErrBadSignature)
	}

	out := make([]byte, 2*p384ScalarSize)
	r.FillBytes(out[:p384ScalarSize])
	s.FillBytes(out[p384ScalarSize:])
	return out, nil
}

// joseToDER converts a fixed-size r || s signature to ASN.1.
func joseToDER(sig []byte) ([]byte, error) {
	if len(sig) != 2*p384ScalarSize {
		return nil, fmt.Errorf("signature length %d", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:p384ScalarSize])
	s := new(big.Int).SetBytes(sig[p384ScalarSize:])

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}
