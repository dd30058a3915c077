// Package hash implements mrkl's C2 hash engine: a fixed 32-byte
// digest type and the two combinators (leaf hash, parent-from-children)
// that the rest of the system treats as ground truth. Grounded on the
// teacher's own `ref` package (sha1-prefixed hash strings in
// chunks/file_store_test.go) but simplified to spec.md §4.2's bare,
// unprefixed SHA-256: no domain separation, no length prefix.
package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Size is the fixed digest length in bytes.
const Size = sha256.Size

// Hash is a 32-byte SHA-256 digest.
type Hash [Size]byte

// Empty is the zero-valued Hash, used as a sentinel by callers that
// need to represent "no hash yet" (e.g. an internal node of a State
// tree whose subtree isn't fully valid).
var Empty Hash

// IsEmpty reports whether h is the zero hash.
func (h Hash) IsEmpty() bool { return h == Empty }

// String renders h as lowercase hex, matching the `reference_hash_hex`
// / `computed_hash_hex` event fields in spec.md §6.3.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Parse decodes a hex string into a Hash. Returns an error (not a
// panic) since this is used on untrusted/operator input.
func Parse(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "hash: invalid hex")
	}
	if len(b) != Size {
		return h, errors.Errorf("hash: expected %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// FromBytes copies b (which must be exactly Size bytes) into a Hash.
func FromBytes(b []byte) Hash {
	var h Hash
	if len(b) != Size {
		panic(errors.Errorf("hash: expected %d bytes, got %d", Size, len(b)))
	}
	copy(h[:], b)
	return h
}

// Leaf computes the hash of a chunk's raw bytes: SHA256(bytes), with
// no length prefix and no domain separation tag. The caller passes
// exactly the chunk's actual byte length (which, for the final chunk
// of a file, may be shorter than the shape's nominal chunk size).
func Leaf(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// Node combines two child hashes into their parent's hash:
// SHA256(left || right). Callers are responsible for the odd-sibling
// padding rule (duplicate the left child when there is no right
// sibling) before calling Node — Node itself just concatenates.
func Node(left, right Hash) Hash {
	var buf [2 * Size]byte
	copy(buf[:Size], left[:])
	copy(buf[Size:], right[:])
	return Hash(sha256.Sum256(buf[:]))
}
