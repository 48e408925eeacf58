package core

// transaction.go – canonical transaction encoding, digests and stateless
// validation. The canonical form is a fixed-field-order JSON object so the
// digest a signer commits to is reproducible on every node.

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"
)

// CanonicalSigningBytes renders the signed subset of the transaction:
// {from,to,amount,memo,nonce,timestamp} with a string-quoted amount and a
// fixed field order. Memo is omitted when empty, matching the wallet
// encoding.
func (tx *Transaction) CanonicalSigningBytes() []byte {
	var b bytes.Buffer
	b.WriteString(`{"from":"`)
	b.WriteString(tx.From.Bech32())
	b.WriteString(`","to":"`)
	b.WriteString(tx.To.Bech32())
	b.WriteString(`","amount":"`)
	b.WriteString(tx.Amount.String())
	b.WriteString(`"`)
	if tx.Memo != "" {
		b.WriteString(`,"memo":`)
		b.Write(jsonEscape(tx.Memo))
	}
	fmt.Fprintf(&b, `,"nonce":%d,"timestamp":%d}`, tx.Nonce, tx.Timestamp)
	return b.Bytes()
}

// SigningDigest is the 32-byte SHA-256 the Ed25519 signature covers.
func (tx *Transaction) SigningDigest() Hash {
	return SHA256(tx.CanonicalSigningBytes())
}

// TxHash identifies the transaction: the digest of the canonical bytes
// plus the signature, so two identical payloads from the same signer can
// never collide with differing signatures.
func (tx *Transaction) TxHash() Hash {
	buf := append(tx.CanonicalSigningBytes(), tx.Signature...)
	return SHA256(buf)
}

// Sign computes and attaches the signature and public key.
func (tx *Transaction) Sign(priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return ErrBadPublicKey
	}
	digest := tx.SigningDigest()
	tx.Signature = SignDigest(priv, digest[:])
	tx.PublicKey = append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
	return nil
}

// VerifyStateless runs every check that needs no account state: signature,
// address/pubkey binding, memo bound and clock-skew window.
func (tx *Transaction) VerifyStateless(now time.Time) error {
	if len(tx.Memo) > MaxMemoBytes {
		return ErrOversizeMemo
	}
	if tx.Amount.IsZero() {
		return ErrZeroAmount
	}
	derived, err := AddressFromPubKey(tx.PublicKey)
	if err != nil {
		return err
	}
	if derived != tx.From {
		return ErrBadPublicKey
	}
	digest := tx.SigningDigest()
	if !VerifyDigest(tx.PublicKey, digest[:], tx.Signature) {
		return ErrInvalidSignature
	}
	skew := now.Unix() - tx.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(TxClockSkew/time.Second) {
		return ErrTimestampViolation
	}
	return nil
}

// SortTransactions orders transactions by the consensus total order
// (timestamp, from, nonce). Blocks must never carry any other order.
func SortTransactions(txs []*Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.From != b.From {
			return addrLess(a.From, b.From)
		}
		return a.Nonce < b.Nonce
	})
}

// TxMerkleRoot builds the ordered Merkle root over transaction hashes.
func TxMerkleRoot(txs []*Transaction) Hash {
	leaves := make([]Hash, len(txs))
	for i, tx := range txs {
		leaves[i] = tx.TxHash()
	}
	return NewMerkleTree(leaves).Root
}

// jsonEscape quotes a memo string with minimal JSON escaping.
func jsonEscape(s string) []byte {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\t':
			out = append(out, '\\', 't')
		default:
			if c < 0x20 {
				out = append(out, []byte(fmt.Sprintf(`\u%04x`, c))...)
			} else {
				out = append(out, c)
			}
		}
	}
	return append(out, '"')
}
