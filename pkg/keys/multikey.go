package keys

import (
	"fmt"

	"github.com/multiformats/go-multibase"

	"github.com/webplusdid/webplus/pkg/webplus"
)

var errTruncatedVarint = fmt.Errorf("truncated multicodec varint")

func errUnknownCodec(c Codec) error  { return fmt.Errorf("no multicodec prefix for key codec %q", c) }
func errUnknownPrefix(code uint64) error {
	return fmt.Errorf("unrecognized multicodec key prefix 0x%x", code)
}

// Multicodec key-type prefixes, from the standard multicodec table. Used
// to self-describe a public key's codec the same way multihash.Sum
// self-describes a digest's hash function (spec §3: "each verification
// method carries a public key ... the system supports Ed25519,
// secp256k1, and P-256").
const (
	codecEd25519Pub   = 0xed
	codecSecp256k1Pub = 0xe7
	codecP256Pub      = 0x1200
)

func codecFor(c Codec) (uint64, error) {
	switch c {
	case Ed25519:
		return codecEd25519Pub, nil
	case Secp256k1:
		return codecSecp256k1Pub, nil
	case P256:
		return codecP256Pub, nil
	default:
		return 0, webplus.E(webplus.Unsupported, "keys.codecFor", errUnknownCodec(c))
	}
}

func codecFromPrefix(code uint64) (Codec, error) {
	switch code {
	case codecEd25519Pub:
		return Ed25519, nil
	case codecSecp256k1Pub:
		return Secp256k1, nil
	case codecP256Pub:
		return P256, nil
	default:
		return "", webplus.E(webplus.Unsupported, "keys.codecFromPrefix", errUnknownPrefix(code))
	}
}

// EncodeMultibase renders pub as a multibase (base64url, "u" prefix)
// string with a multicodec varint prefix identifying the key type, the
// same self-describing shape multihash.Sum uses for digests.
func EncodeMultibase(pub PublicKey) (string, error) {
	code, err := codecFor(pub.Codec)
	if err != nil {
		return "", err
	}
	prefixed := append(uvarint(code), []byte(pub.Raw)...)
	s, err := multibase.Encode(multibase.Base64url, prefixed)
	if err != nil {
		return "", webplus.E(webplus.Malformed, "keys.EncodeMultibase", err)
	}
	return s, nil
}

// DecodeMultibase parses a multibase/multicodec encoded public key
// string produced by EncodeMultibase.
func DecodeMultibase(s string) (PublicKey, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return PublicKey{}, webplus.E(webplus.Malformed, "keys.DecodeMultibase", err)
	}
	code, n, err := uvarintDecode(data)
	if err != nil {
		return PublicKey{}, webplus.E(webplus.Malformed, "keys.DecodeMultibase", err)
	}
	codec, err := codecFromPrefix(code)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{Codec: codec, Raw: string(data[n:])}, nil
}

func uvarint(x uint64) []byte {
	var buf []byte
	for x >= 0x80 {
		buf = append(buf, byte(x)|0x80)
		x >>= 7
	}
	buf = append(buf, byte(x))
	return buf
}

func uvarintDecode(b []byte) (uint64, int, error) {
	var x uint64
	var s uint
	for i, c := range b {
		if c < 0x80 {
			return x | uint64(c)<<s, i + 1, nil
		}
		x |= uint64(c&0x7f) << s
		s += 7
	}
	return 0, 0, errTruncatedVarint
}
