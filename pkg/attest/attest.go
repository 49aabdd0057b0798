// Package attest builds and verifies the bouncer's reward attestations.
//
// An attestation binds a cumulative reward figure to one ledger instance, one
// claimant and one staking position (identified by its start timestamp). The
// bouncer signs the keccak256 of the tightly packed fields wrapped in the
// EIP-191 personal-message prefix, which is what eth_sign and wallet tooling
// produce for a 32-byte payload.
package attest

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MessageLength is the size of a packed attestation message.
const MessageLength = 2*common.AddressLength + 32 + 32

// SignatureLength is the size of an r || s || v signature.
const SignatureLength = 65

// ErrBadSignature is returned for every verification failure. The message is
// intentionally the same whatever input caused the mismatch.
var ErrBadSignature = errors.New("attempted theft")

// Message packs the attestation fields as abi.encodePacked(address, address, uint256, uint256).
func Message(ledger, claimant common.Address, start uint64, total *uint256.Int) []byte {
	msg := make([]byte, 0, MessageLength)
	msg = append(msg, ledger.Bytes()...)
	msg = append(msg, claimant.Bytes()...)
	msg = append(msg, common.LeftPadBytes(new(big.Int).SetUint64(start).Bytes(), 32)...)
	var t [32]byte
	if total != nil {
		t = total.Bytes32()
	}
	return append(msg, t[:]...)
}

// Digest returns keccak256 of the packed message.
func Digest(ledger, claimant common.Address, start uint64, total *uint256.Int) common.Hash {
	return crypto.Keccak256Hash(Message(ledger, claimant, start, total))
}

// SignedDigest returns the EIP-191 hash of the digest, the value actually signed.
func SignedDigest(ledger, claimant common.Address, start uint64, total *uint256.Int) common.Hash {
	d := Digest(ledger, claimant, start, total)
	return common.BytesToHash(accounts.TextHash(d.Bytes()))
}

// Signature is a secp256k1 signature split the way ecrecover takes it.
type Signature struct {
	V uint8
	R common.Hash
	S common.Hash
}

// ParseSignature splits a 65-byte r || s || v signature. V may be given as
// 27/28 or 0/1; it is normalized to 27/28.
func ParseSignature(b []byte) (Signature, error) {
	if len(b) != SignatureLength {
		return Signature{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(b))
	}
	sig := Signature{
		V: b[64],
		R: common.BytesToHash(b[:32]),
		S: common.BytesToHash(b[32:64]),
	}
	if sig.V < 27 {
		sig.V += 27
	}
	return sig, nil
}

// ParseSignatureHex parses a 0x-prefixed hex signature.
func ParseSignatureHex(s string) (Signature, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Signature{}, err
	}
	return ParseSignature(b)
}

// Bytes returns the r || s || v encoding with v in 27/28 form.
func (s Signature) Bytes() []byte {
	b := make([]byte, SignatureLength)
	copy(b[:32], s.R[:])
	copy(b[32:64], s.S[:])
	b[64] = s.V
	return b
}

// Hex returns the 0x-prefixed encoding of Bytes.
func (s Signature) Hex() string {
	return hexutil.Encode(s.Bytes())
}

// Recover returns the address that produced sig over hash.
func Recover(hash common.Hash, sig Signature) (common.Address, error) {
	if sig.V != 27 && sig.V != 28 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig.V)
	}
	v := sig.V - 27
	r, s := sig.R.Big(), sig.S.Big()
	if !crypto.ValidateSignatureValues(v, r, s, false) {
		return common.Address{}, errors.New("invalid signature values")
	}

	raw := make([]byte, SignatureLength)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = v

	pub, err := crypto.SigToPub(hash.Bytes(), raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the bouncer's signature over an attestation.
func Sign(key *ecdsa.PrivateKey, ledger, claimant common.Address, start uint64, total *uint256.Int) (Signature, error) {
	hash := SignedDigest(ledger, claimant, start, total)
	raw, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return Signature{}, err
	}
	return ParseSignature(raw)
}
