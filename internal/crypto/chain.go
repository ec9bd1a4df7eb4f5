package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/udisondev/bedrockproxy/internal/model"
)

// Claim names used by login chains.
const (
	ClaimIdentityPublicKey    = "identityPublicKey"
	ClaimCertificateAuthority = "certificateAuthority"
	ClaimExtraData            = "extraData"
	ClaimDisplayName          = "displayName"
	ClaimIdentity             = "identity"
	ClaimXUID                 = "XUID"
	ClaimSalt                 = "salt"
)

// TrustSet maps base64 PKIX keys to trusted public keys. It only grows.
type TrustSet map[string]*ecdsa.PublicKey

// Lookup returns the trusted key for an encoded x5u.
func (ts TrustSet) Lookup(x5u string) (*ecdsa.PublicKey, bool) {
	k, ok := ts[x5u]
	return k, ok
}

// ChainResult is the outcome of validating one login chain.
type ChainResult struct {
	// FullyTrusted is true when every link verified back to the root.
	FullyTrusted bool
	// Identity is nil when no link carried a usable identity.
	Identity *model.Identity
	Trust    TrustSet
	// Reason explains why the chain is not fully trusted or carries no
	// identity.
	Reason error
}

// ValidateChain validates chain against the provider's root key.
func (p *Provider) ValidateChain(chain []string) *ChainResult {
	return ValidateChain(p.root, p.rootKey, chain)
}

// ValidateChain verifies the links of chain in whatever order they become
// reachable from root. Each verified link may extend the trust set with its
// identityPublicKey unless it sets certificateAuthority to false. The first
// identity found on a verified link is authenticated; when none is found the
// first raw link carrying one is used unauthenticated.
//
// Links that are merely unreachable from root leave a captured identity
// authenticated. Any other failure (a link without x5u, a bad signature, a
// broken selected link) means the chain was tampered with, and the identity
// falls back to the unauthenticated one.
func ValidateChain(root *ecdsa.PublicKey, rootKey string, chain []string) *ChainResult {
	res := &ChainResult{Trust: TrustSet{rootKey: root}}

	err := res.verify(chain)
	switch {
	case err == nil:
		res.FullyTrusted = true
	case errors.Is(err, ErrUntrustedChain):
		res.Reason = err
	default:
		res.Reason = err
		res.Identity = nil
	}

	if res.Identity == nil {
		res.Identity = unverifiedIdentity(chain)
		if res.Identity == nil && res.Reason == nil {
			res.Reason = ErrMissingIdentity
		}
	}
	return res
}

func (res *ChainResult) verify(chain []string) error {
	unverified := make([]string, len(chain))
	copy(unverified, chain)

	for len(unverified) > 0 {
		next, key, err := res.nextVerifiable(unverified)
		if err != nil {
			return err
		}

		tok, err := ParseToken(unverified[next])
		if err != nil {
			return fmt.Errorf("link %d: %w", next, err)
		}
		if err := tok.Verify(key); err != nil {
			return fmt.Errorf("link %d: %w", next, err)
		}
		unverified = append(unverified[:next], unverified[next+1:]...)

		linkKey, err := res.trustLink(tok.Claims)
		if err != nil {
			return fmt.Errorf("link %d: %w", next, err)
		}

		if res.Identity == nil {
			if extra, ok := tok.Claims.Map(ClaimExtraData); ok {
				res.Identity = identityFrom(extra, linkKey, true)
			}
		}
	}
	return nil
}

// nextVerifiable returns the first link whose x5u is trusted. Links whose
// header does not decode are skipped; a link without x5u aborts.
func (res *ChainResult) nextVerifiable(unverified []string) (int, *ecdsa.PublicKey, error) {
	for i, raw := range unverified {
		h, err := PeekHeader(raw)
		if err != nil {
			continue
		}
		if h.X5U == "" {
			return 0, nil, ErrForgedLink
		}
		if key, ok := res.Trust.Lookup(h.X5U); ok {
			return i, key, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %d links left", ErrUntrustedChain, len(unverified))
}

// trustLink decodes the link's identityPublicKey and trusts it unless the
// link explicitly is not a certificate authority.
func (res *ChainResult) trustLink(claims Claims) (*ecdsa.PublicKey, error) {
	encoded := claims.String(ClaimIdentityPublicKey)
	if encoded == "" {
		return nil, nil
	}
	key, err := DecodePublicKey(encoded)
	if err != nil {
		return nil, err
	}
	if ca, ok := claims.Bool(ClaimCertificateAuthority); !ok || ca {
		res.Trust[encoded] = key
	}
	return key, nil
}

// unverifiedIdentity scans the raw chain for the first link with both an
// identity key and extra data.
func unverifiedIdentity(chain []string) *model.Identity {
	for _, raw := range chain {
		claims, err := PeekClaims(raw)
		if err != nil {
			continue
		}
		encoded := claims.String(ClaimIdentityPublicKey)
		if encoded == "" {
			continue
		}
		extra, ok := claims.Map(ClaimExtraData)
		if !ok {
			continue
		}
		key, err := DecodePublicKey(encoded)
		if err != nil {
			continue
		}
		return identityFrom(extra, key, false)
	}
	return nil
}

func identityFrom(extra Claims, key *ecdsa.PublicKey, authenticated bool) *model.Identity {
	id := &model.Identity{
		DisplayName:   extra.String(ClaimDisplayName),
		PublicKey:     key,
		Authenticated: authenticated,
	}
	if parsed, err := uuid.Parse(extra.String(ClaimIdentity)); err == nil {
		id.ID = parsed
	}
	// XUID is only meaningful when Xbox Live vouched for it
	if authenticated {
		id.XUID = extra.String(ClaimXUID)
	}
	return id
}
