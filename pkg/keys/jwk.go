package keys

import (
	"encoding/base64"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/webplusdid/webplus/pkg/webplus"
)

// decompressSecp256k1 expands a SEC1-compressed secp256k1 public key into
// its raw (X, Y) coordinate bytes.
func decompressSecp256k1(compressed string) ([]byte, []byte, error) {
	pk, err := secp256k1.ParsePubKey([]byte(compressed))
	if err != nil {
		return nil, nil, err
	}
	uncompressed := pk.SerializeUncompressed()
	return uncompressed[1:33], uncompressed[33:65], nil
}

// compressSecp256k1 builds the SEC1-compressed form from raw (X, Y)
// coordinate bytes.
func compressSecp256k1(x, y []byte) ([]byte, error) {
	uncompressed := append([]byte{0x04}, append(pad32(x), pad32(y)...)...)
	pk, err := secp256k1.ParsePubKey(uncompressed)
	if err != nil {
		return nil, err
	}
	return pk.SerializeCompressed(), nil
}

// JWK is the minimal JSON Web Key representation spec §3 requires: enough
// to round-trip a PublicKey for each of the three supported codecs.
// Unlike general-purpose JOSE libraries' JWK types, this one only ever
// represents a public key — private key material never leaves pkg/wallet.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// ToJWK converts pub to its JWK form.
func ToJWK(pub PublicKey) (JWK, error) {
	switch pub.Codec {
	case Ed25519:
		return JWK{Kty: "OKP", Crv: "Ed25519", X: b64url([]byte(pub.Raw))}, nil
	case Secp256k1:
		x, y, err := decompressSecp256k1(pub.Raw)
		if err != nil {
			return JWK{}, webplus.E(webplus.Malformed, "keys.ToJWK", err)
		}
		return JWK{Kty: "EC", Crv: "secp256k1", X: b64url(x), Y: b64url(y)}, nil
	case P256:
		x, y := unmarshalP256(pub.Raw)
		if x == nil {
			return JWK{}, webplus.E(webplus.Malformed, "keys.ToJWK", errBadKey)
		}
		return JWK{Kty: "EC", Crv: "P-256", X: b64url(x.Bytes()), Y: b64url(y.Bytes())}, nil
	default:
		return JWK{}, webplus.E(webplus.Unsupported, "keys.ToJWK", fmt.Errorf("unsupported key codec %q", pub.Codec))
	}
}

// FromJWK reconstructs a PublicKey from its JWK form.
func FromJWK(j JWK) (PublicKey, error) {
	switch {
	case j.Kty == "OKP" && j.Crv == "Ed25519":
		x, err := b64urlDecode(j.X)
		if err != nil {
			return PublicKey{}, webplus.E(webplus.Malformed, "keys.FromJWK", err)
		}
		return PublicKey{Codec: Ed25519, Raw: string(x)}, nil
	case j.Kty == "EC" && j.Crv == "secp256k1":
		x, err := b64urlDecode(j.X)
		if err != nil {
			return PublicKey{}, webplus.E(webplus.Malformed, "keys.FromJWK", err)
		}
		y, err := b64urlDecode(j.Y)
		if err != nil {
			return PublicKey{}, webplus.E(webplus.Malformed, "keys.FromJWK", err)
		}
		compressed, err := compressSecp256k1(x, y)
		if err != nil {
			return PublicKey{}, webplus.E(webplus.Malformed, "keys.FromJWK", err)
		}
		return PublicKey{Codec: Secp256k1, Raw: string(compressed)}, nil
	case j.Kty == "EC" && j.Crv == "P-256":
		x, err := b64urlDecode(j.X)
		if err != nil {
			return PublicKey{}, webplus.E(webplus.Malformed, "keys.FromJWK", err)
		}
		y, err := b64urlDecode(j.Y)
		if err != nil {
			return PublicKey{}, webplus.E(webplus.Malformed, "keys.FromJWK", err)
		}
		raw := append([]byte{0x04}, append(pad32(x), pad32(y)...)...)
		return PublicKey{Codec: P256, Raw: string(raw)}, nil
	default:
		return PublicKey{}, webplus.E(webplus.Unsupported, "keys.FromJWK", fmt.Errorf("unsupported jwk kty/crv %q/%q", j.Kty, j.Crv))
	}
}

func pad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
