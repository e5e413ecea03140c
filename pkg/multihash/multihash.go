// Package multihash encodes and decodes the self-describing, multibase
// and multicodec prefixed digests used throughout did:webplus: self-hashes,
// public keys, and HashedKey update rules all carry their own algorithm
// identifier in the encoded value instead of relying on out-of-band
// context (spec §4.1: "the hash function identifier is carried in the
// hash itself ... so the hash value names its own algorithm").
package multihash

import (
	"crypto/sha256"
	"fmt"

	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"

	"github.com/webplusdid/webplus/pkg/webplus"
)

// Function identifies a hash function in the dispatch table. Adding a
// codec means adding one entry to funcs below; nothing else in this
// package changes.
type Function string

const (
	SHA256  Function = "sha2-256"
	Blake2b Function = "blake2b-256"
)

type hashFunc struct {
	code   uint64
	size   int
	digest func([]byte) []byte
}

// funcs is the hash-function dispatch table. The multicodec code values
// are the standard multihash/multicodec table entries for each algorithm.
var funcs = map[Function]hashFunc{
	SHA256: {
		code: mh.SHA2_256,
		size: sha256.Size,
		digest: func(b []byte) []byte {
			sum := sha256.Sum256(b)
			return sum[:]
		},
	},
	Blake2b: {
		code: mh.BLAKE2B_MIN + 31, // blake2b-256: 32-byte digest variant
		size: 32,
		digest: func(b []byte) []byte {
			sum := blake2b.Sum256(b)
			return sum[:]
		},
	},
}

// DigestSize returns the digest length in bytes for fn, or an error if
// fn is not in the dispatch table (webplus.Unsupported).
func DigestSize(fn Function) (int, error) {
	f, ok := funcs[fn]
	if !ok {
		return 0, webplus.E(webplus.Unsupported, "multihash.DigestSize", fmt.Errorf("unknown hash function %q", fn))
	}
	return f.size, nil
}

// Sum hashes b with fn and returns a multibase+multicodec encoded string
// (base64url, "u" prefix, per spec §6: "e.g. base64url with u prefix").
func Sum(fn Function, b []byte) (string, error) {
	f, ok := funcs[fn]
	if !ok {
		return "", webplus.E(webplus.Unsupported, "multihash.Sum", fmt.Errorf("unknown hash function %q", fn))
	}
	digest := f.digest(b)
	encoded, err := mh.Encode(digest, f.code)
	if err != nil {
		return "", webplus.E(webplus.StorageError, "multihash.Sum", err)
	}
	str, err := multibase.Encode(multibase.Base64url, encoded)
	if err != nil {
		return "", webplus.E(webplus.StorageError, "multihash.Sum", err)
	}
	return str, nil
}

// Decode parses a multibase+multicodec encoded hash string and returns
// the Function it was produced with along with the raw digest bytes.
func Decode(s string) (Function, []byte, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return "", nil, webplus.E(webplus.Malformed, "multihash.Decode", err)
	}
	decoded, err := mh.Decode(data)
	if err != nil {
		return "", nil, webplus.E(webplus.Malformed, "multihash.Decode", err)
	}
	for fn, f := range funcs {
		if f.code == decoded.Code {
			return fn, decoded.Digest, nil
		}
	}
	return "", nil, webplus.E(webplus.Unsupported, "multihash.Decode", fmt.Errorf("unrecognized multicodec 0x%x", decoded.Code))
}

// Placeholder returns a deterministic placeholder of the same encoded
// length as Sum(fn, ...) would produce, used by pkg/canonical as the
// stand-in value during the first pass of the self-hash fix-point
// protocol. The placeholder is the encoding of an all-zero digest of the
// correct size, so the substituted document has exactly the byte length
// the final, hashed document will have.
func Placeholder(fn Function) (string, error) {
	f, ok := funcs[fn]
	if !ok {
		return "", webplus.E(webplus.Unsupported, "multihash.Placeholder", fmt.Errorf("unknown hash function %q", fn))
	}
	zero := make([]byte, f.size)
	encoded, err := mh.Encode(zero, f.code)
	if err != nil {
		return "", webplus.E(webplus.StorageError, "multihash.Placeholder", err)
	}
	str, err := multibase.Encode(multibase.Base64url, encoded)
	if err != nil {
		return "", webplus.E(webplus.StorageError, "multihash.Placeholder", err)
	}
	return str, nil
}
