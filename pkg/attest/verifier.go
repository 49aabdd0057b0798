package attest

import (
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
)

// DefaultCacheSize is the number of recovered signers kept by a Verifier.
const DefaultCacheSize = 1024

type cacheKey struct {
	hash common.Hash
	sig  Signature
}

// Verifier checks attestations against the registered bouncer.
// Recovered signers are cached; recovery is a pure function of its inputs.
type Verifier struct {
	cache *lru.Cache[cacheKey, common.Address]
}

// NewVerifier creates a verifier. A non-positive size disables caching.
func NewVerifier(cacheSize int) (*Verifier, error) {
	v := &Verifier{}
	if cacheSize > 0 {
		c, err := lru.New[cacheKey, common.Address](cacheSize)
		if err != nil {
			return nil, err
		}
		v.cache = c
	}
	return v, nil
}

// Signer returns the address that signed the attestation.
func (v *Verifier) Signer(ledger, claimant common.Address, start uint64, total *uint256.Int, sig Signature) (common.Address, error) {
	hash := SignedDigest(ledger, claimant, start, total)
	key := cacheKey{hash: hash, sig: sig}

	if v.cache != nil {
		if signer, ok := v.cache.Get(key); ok {
			return signer, nil
		}
	}

	signer, err := Recover(hash, sig)
	if err != nil {
		return common.Address{}, err
	}
	if v.cache != nil {
		v.cache.Add(key, signer)
	}
	return signer, nil
}

// Verify fails with ErrBadSignature unless bouncer signed exactly these fields.
func (v *Verifier) Verify(ledger, claimant common.Address, start uint64, total *uint256.Int, sig Signature, bouncer common.Address) error {
	signer, err := v.Signer(ledger, claimant, start, total, sig)
	if err != nil || signer != bouncer || bouncer == (common.Address{}) {
		return ErrBadSignature
	}
	return nil
}
