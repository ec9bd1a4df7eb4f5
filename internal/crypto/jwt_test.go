package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// signRaw builds a token with an arbitrary header, signed over SHA-384.
func signRaw(t *testing.T, key *ecdsa.PrivateKey, header map[string]any, claims any) string {
	t.Helper()

	h, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	c, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	signed := base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(c)

	digest := sha512.Sum384([]byte(signed))
	der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}
	sig, err := derToJOSE(der)
	if err != nil {
		t.Fatalf("derToJOSE: %v", err)
	}
	return signed + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func mustEncode(t *testing.T, pub *ecdsa.PublicKey) string {
	t.Helper()
	s, err := EncodePublicKey(pub)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	return s
}

func TestSignToken_VerifyRoundTrip(t *testing.T) {
	key := mustKey(t)

	raw, err := SignToken(rand.Reader, key, map[string]any{"salt": "c2FsdA==", "n": 12345678901234})
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}

	tok, err := ParseToken(raw)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if tok.Header.Alg != SigningAlgorithm {
		t.Errorf("alg = %q, want %q", tok.Header.Alg, SigningAlgorithm)
	}
	if tok.Header.X5U != mustEncode(t, &key.PublicKey) {
		t.Error("x5u must advertise the signing key")
	}
	if len(tok.Signature) != 96 {
		t.Errorf("signature len = %d, want 96 (JOSE r||s)", len(tok.Signature))
	}
	if got := tok.Claims.String("salt"); got != "c2FsdA==" {
		t.Errorf("salt claim = %q", got)
	}
	if n, ok := tok.Claims["n"].(json.Number); !ok || n.String() != "12345678901234" {
		t.Errorf("numeric claim = %#v, want exact json.Number", tok.Claims["n"])
	}
	if err := tok.Verify(&key.PublicKey); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	other := mustKey(t)
	if err := tok.Verify(&other.PublicKey); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Verify with wrong key: err = %v, want ErrBadSignature", err)
	}
}

func TestVerify_AcceptsDERSignature(t *testing.T) {
	key := mustKey(t)
	raw, err := SignToken(rand.Reader, key, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	tok, _ := ParseToken(raw)

	der, err := joseToDER(tok.Signature)
	if err != nil {
		t.Fatalf("joseToDER: %v", err)
	}
	tok.Signature = der
	if err := tok.Verify(&key.PublicKey); err != nil {
		t.Fatalf("Verify(DER): %v", err)
	}

	back, err := derToJOSE(der)
	if err != nil {
		t.Fatalf("derToJOSE: %v", err)
	}
	if len(back) != 96 {
		t.Fatalf("JOSE len = %d", len(back))
	}
}

func TestVerify_AlgorithmPinned(t *testing.T) {
	key := mustKey(t)
	x5u := mustEncode(t, &key.PublicKey)

	t.Run("advertised alg is ignored", func(t *testing.T) {
		for _, alg := range []string{"none", "HS256", "ES256", ""} {
			raw := signRaw(t, key, map[string]any{"alg": alg, "x5u": x5u}, map[string]any{"k": "v"})
			tok, err := ParseToken(raw)
			if err != nil {
				t.Fatalf("alg %q: ParseToken: %v", alg, err)
			}
			if err := tok.Verify(&key.PublicKey); err != nil {
				t.Fatalf("alg %q: ES384-signed token rejected: %v", alg, err)
			}
		}
	})

	t.Run("token signed with another algorithm fails", func(t *testing.T) {
		header, _ := json.Marshal(map[string]any{"alg": "ES256", "x5u": x5u})
		claims, _ := json.Marshal(map[string]any{"k": "v"})
		signed := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(claims)

		digest := sha256.Sum256([]byte(signed))
		der, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		if err != nil {
			t.Fatalf("SignASN1: %v", err)
		}
		sig, _ := derToJOSE(der)
		raw := signed + "." + base64.RawURLEncoding.EncodeToString(sig)

		tok, err := ParseToken(raw)
		if err != nil {
			t.Fatalf("ParseToken: %v", err)
		}
		if err := tok.Verify(&key.PublicKey); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("err = %v, want ErrBadSignature", err)
		}
	})

	t.Run("non P-384 key rejected", func(t *testing.T) {
		p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		raw := signRaw(t, key, map[string]any{"alg": "ES384", "x5u": x5u}, map[string]any{})
		tok, _ := ParseToken(raw)
		if err := tok.Verify(&p256.PublicKey); !errors.Is(err, ErrUnsupportedKey) {
			t.Fatalf("err = %v, want ErrUnsupportedKey", err)
		}
	})
}

func TestParseToken_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"two segments", "a.b"},
		{"bad base64 header", "!!!.e30.AA"},
		{"header not json", base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".e30.AA"},
		{"claims not json", "e30." + base64.RawURLEncoding.EncodeToString([]byte("[1")) + ".AA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.raw); !errors.Is(err, ErrMalformedToken) {
				t.Fatalf("err = %v, want ErrMalformedToken", err)
			}
		})
	}
}

func TestParseToken_PaddedSegments(t *testing.T) {
	key := mustKey(t)
	raw, _ := SignToken(rand.Reader, key, map[string]any{"x": "y"})

	// some encoders emit padded base64url
	parts := strings.Split(raw, ".")
	for i := range parts {
		for len(parts[i])%4 != 0 {
			parts[i] += "="
		}
	}
	tok, err := ParseToken(strings.Join(parts, "."))
	if err != nil {
		t.Fatalf("ParseToken(padded): %v", err)
	}
	if tok.Claims.String("x") != "y" {
		t.Fatal("claims lost after padding")
	}
}

func TestPublicKeyCodec(t *testing.T) {
	key := mustKey(t)
	enc := mustEncode(t, &key.PublicKey)

	dec, err := DecodePublicKey(enc)
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}
	if !dec.Equal(&key.PublicKey) {
		t.Fatal("decoded key differs")
	}

	if _, err := DecodePublicKey("not base64!"); !errors.Is(err, ErrUnsupportedKey) {
		t.Errorf("bad base64: err = %v", err)
	}

	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if _, err := DecodePublicKey(mustEncode(t, &p256.PublicKey)); !errors.Is(err, ErrUnsupportedKey) {
		t.Errorf("P-256 key: err = %v, want ErrUnsupportedKey", err)
	}
}

func TestMojangRootKeyDecodes(t *testing.T) {
	if _, err := DecodePublicKey(MojangRootKey); err != nil {
		t.Fatalf("compiled-in root key: %v", err)
	}
}
