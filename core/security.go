// SPDX-License-Identifier: Apache-2.0
// Package core – shared security primitives for the Sultan core.
//
// Exposes:
//   - Ed25519 keygen / detached sign / strict verify.
//   - SHA-256 and Keccak-256 digests.
//   - Merkle tree builder and prover (pairwise SHA-256,
//     duplicate-last-on-odd).
//   - AES-256-GCM at-rest encryption with HKDF-SHA256 key derivation.
package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

//---------------------------------------------------------------------
// Ed25519
//---------------------------------------------------------------------

// GenerateKeyPair produces a fresh Ed25519 key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, WrapErr(KindCrypto, "keygen", err)
	}
	return pub, priv, nil
}

// PrivateKeyFromHex rebuilds a private key from a 32-byte hex seed, the
// format accepted by --validator-secret.
func PrivateKeyFromHex(s string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, WrapErr(KindCrypto, "decode secret", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, WrapErr(KindCrypto, "decode secret", fmt.Errorf("seed must be %d bytes", ed25519.SeedSize))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SignDigest produces a detached Ed25519 signature over a 32-byte digest.
func SignDigest(priv ed25519.PrivateKey, digest []byte) []byte {
	return ed25519.Sign(priv, digest)
}

// VerifyDigest checks a detached signature. It is strict: malformed keys,
// malformed signatures and non-canonical scalar encodings all fail, and a
// false result must be treated as ErrInvalidSignature by callers.
func VerifyDigest(pub, digest, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	// crypto/ed25519 already rejects s >= L and off-curve points, which
	// covers the malleability classes the consensus layer must refuse.
	return ed25519.Verify(ed25519.PublicKey(pub), digest, sig)
}

//---------------------------------------------------------------------
// Hashes
//---------------------------------------------------------------------

// SHA256 is the digest used for blocks, messages and Merkle nodes.
func SHA256(data []byte) Hash { return sha256.Sum256(data) }

// Keccak256 is reserved for EVM-compat address derivation paths.
func Keccak256(data []byte) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Hex renders a hash as lowercase hex.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// IsZero reports the all-zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// HashFromHex parses a 64-char hex digest.
func HashFromHex(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return Hash{}, WrapErr(KindCrypto, "decode hash", fmt.Errorf("want 32 bytes"))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

//---------------------------------------------------------------------
// Merkle tree
//---------------------------------------------------------------------

// NewMerkleTree builds the tree bottom-up. Odd levels duplicate the last
// node. An empty leaf set hashes to the zero root.
func NewMerkleTree(leaves []Hash) *MerkleTree {
	t := &MerkleTree{leaves: append([]Hash(nil), leaves...)}
	if len(leaves) == 0 {
		return t
	}
	level := append([]Hash(nil), leaves...)
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		t.levels = append(t.levels, next)
		level = next
	}
	t.Root = level[0]
	return t
}

// Proof returns the sibling path for the leaf at index, or an error when
// the index is out of range.
func (t *MerkleTree) Proof(index int) ([]MerkleProofStep, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, WrapErr(KindCrypto, "merkle proof", fmt.Errorf("leaf index %d out of range", index))
	}
	var proof []MerkleProofStep
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		withDup := level
		if len(withDup)%2 == 1 {
			withDup = append(append([]Hash(nil), withDup...), withDup[len(withDup)-1])
		}
		var step MerkleProofStep
		if pos%2 == 0 {
			step = MerkleProofStep{Sibling: withDup[pos+1], Left: false}
		} else {
			step = MerkleProofStep{Sibling: withDup[pos-1], Left: true}
		}
		proof = append(proof, step)
		pos /= 2
	}
	return proof, nil
}

// VerifyMerkleProof recomputes the root from a leaf and its sibling path.
func VerifyMerkleProof(leaf Hash, proof []MerkleProofStep, root Hash) bool {
	acc := leaf
	for _, step := range proof {
		if step.Left {
			acc = hashPair(step.Sibling, acc)
		} else {
			acc = hashPair(acc, step.Sibling)
		}
	}
	return acc == root
}

func hashPair(a, b Hash) Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return sha256.Sum256(buf)
}

//---------------------------------------------------------------------
// At-rest encryption – AES-256-GCM, HKDF-SHA256 derived keys
//---------------------------------------------------------------------

const storageKeyInfo = "sultan-storage-encryption-v1"

// DeriveStorageKey expands the node master secret into the storage data
// key. Salt is per-datadir and persisted beside the database.
func DeriveStorageKey(master, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, salt, []byte(storageKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, WrapErr(KindCrypto, "hkdf expand", err)
	}
	return key, nil
}

// EncryptValue seals plaintext as nonce(12) || ciphertext || tag(16).
func EncryptValue(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, WrapErr(KindCrypto, "aes init", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, WrapErr(KindCrypto, "gcm init", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, WrapErr(KindCrypto, "nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptValue opens a record produced by EncryptValue. Failure is a
// well-typed storage error; callers surface it and never zero out.
func DecryptValue(key, record []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, WrapErr(KindCrypto, "aes init", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, WrapErr(KindCrypto, "gcm init", err)
	}
	if len(record) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrCorruptRecord
	}
	nonce, ct := record[:gcm.NonceSize()], record[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return pt, nil
}
