package core

// address.go – bech32 account/validator address codec and derivation.
// Addresses are the first 20 bytes of SHA-256 over the Ed25519 public key.

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	// AddrHRP prefixes account addresses.
	AddrHRP = "sultan"
	// ValoperHRP prefixes validator operator addresses.
	ValoperHRP = "sultanvaloper"
)

// AddressFromPubKey derives the 20-byte address from an Ed25519 public key.
func AddressFromPubKey(pub []byte) (Address, error) {
	if len(pub) != 32 {
		return Address{}, ErrBadPublicKey
	}
	sum := sha256.Sum256(pub)
	var a Address
	copy(a[:], sum[:20])
	return a, nil
}

// Bech32 renders the address with the account HRP.
func (a Address) Bech32() string {
	s, err := encodeBech32(AddrHRP, a[:])
	if err != nil {
		// 20-byte input can always be regrouped into 5-bit words.
		panic(fmt.Sprintf("address encode: %v", err))
	}
	return s
}

// Valoper renders the address with the validator operator HRP.
func (a Address) Valoper() string {
	s, err := encodeBech32(ValoperHRP, a[:])
	if err != nil {
		panic(fmt.Sprintf("valoper encode: %v", err))
	}
	return s
}

// Hex is the raw 40-char form used in storage keys and logs.
func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

// String implements fmt.Stringer with the human-readable form.
func (a Address) String() string { return a.Bech32() }

// Bytes returns the raw 20 bytes.
func (a Address) Bytes() []byte { return a[:] }

// IsZero reports the all-zero address.
func (a Address) IsZero() bool { return a == Address{} }

// MarshalText/UnmarshalText make Address usable as a JSON object key and
// round-trip the bech32 form.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.Bech32()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	dec, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = dec
	return nil
}

// DecodeAddress parses a bech32 account address, rejecting wrong HRPs,
// mixed case and checksum failures.
func DecodeAddress(s string) (Address, error) {
	return decodeWithHRP(s, AddrHRP)
}

// DecodeValoper parses a bech32 validator operator address.
func DecodeValoper(s string) (Address, error) {
	return decodeWithHRP(s, ValoperHRP)
}

func decodeWithHRP(s, wantHRP string) (Address, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return Address{}, WrapErr(KindCrypto, "bech32 decode", err)
	}
	if hrp != wantHRP {
		return Address{}, ErrWrongHRP
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, WrapErr(KindCrypto, "bech32 regroup", err)
	}
	if len(raw) != 20 {
		return Address{}, ErrBech32Decode
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

func encodeBech32(hrp string, raw []byte) (string, error) {
	grouped, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, grouped)
}

// addrLess orders addresses byte-lexicographically. Every consensus-facing
// enumeration must use this ordering, never map iteration order.
func addrLess(a, b Address) bool { return bytes.Compare(a[:], b[:]) < 0 }
