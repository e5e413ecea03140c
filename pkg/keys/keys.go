// Package keys implements the verification-method key material spec §3
// names at minimum: Ed25519, secp256k1, and P-256, each with JWK
// marshaling and a uniform Sign/Verify surface so pkg/jws and pkg/document
// don't need per-codec branching outside this package.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrdecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/webplusdid/webplus/pkg/webplus"
)

// Codec identifies a key type.
type Codec string

const (
	Ed25519   Codec = "Ed25519"
	Secp256k1 Codec = "secp256k1"
	P256      Codec = "P-256"
)

// PublicKey is a codec-tagged public key, comparable with ==.
type PublicKey struct {
	Codec Codec
	// Raw is the uncompressed/raw public key bytes: 32 bytes for Ed25519,
	// 33 bytes compressed SEC1 for secp256k1, 65 bytes uncompressed SEC1
	// for P-256.
	Raw string
}

// Signer can produce signatures for a fixed key under one codec.
type Signer interface {
	Public() PublicKey
	Sign(message []byte) ([]byte, error)
}

// PrivateMarshaler is implemented by every Signer this package returns,
// giving wallet storage adapters a codec-tagged byte form to persist
// without type-switching on the concrete signer.
type PrivateMarshaler interface {
	MarshalPrivate() (Codec, []byte, error)
}

// UnmarshalSigner reconstructs a Signer from the codec and raw bytes a
// PrivateMarshaler produced.
func UnmarshalSigner(codec Codec, raw []byte) (Signer, error) {
	switch codec {
	case Ed25519:
		if len(raw) != ed25519.PrivateKeySize {
			return nil, webplus.E(webplus.Malformed, "keys.UnmarshalSigner", fmt.Errorf("bad ed25519 private key length %d", len(raw)))
		}
		priv := ed25519.PrivateKey(append([]byte(nil), raw...))
		return &ed25519Signer{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
	case Secp256k1:
		priv := secp256k1.PrivKeyFromBytes(raw)
		return &secp256k1Signer{priv: priv}, nil
	case P256:
		priv := new(ecdsa.PrivateKey)
		priv.Curve = elliptic.P256()
		priv.D = new(big.Int).SetBytes(raw)
		priv.PublicKey.X, priv.PublicKey.Y = elliptic.P256().ScalarBaseMult(raw)
		return &p256Signer{priv: priv}, nil
	default:
		return nil, webplus.E(webplus.Unsupported, "keys.UnmarshalSigner", fmt.Errorf("unsupported key codec %q", codec))
	}
}

// Verify checks sig over message under pub. Returns a webplus.VerificationError
// on any verification failure, or webplus.Unsupported for an unsupported codec.
func Verify(pub PublicKey, message, sig []byte) error {
	switch pub.Codec {
	case Ed25519:
		if len(pub.Raw) != ed25519.PublicKeySize {
			return webplus.E(webplus.VerificationError, "keys.Verify", fmt.Errorf("bad ed25519 public key length %d", len(pub.Raw)))
		}
		if !ed25519.Verify(ed25519.PublicKey(pub.Raw), message, sig) {
			return webplus.E(webplus.VerificationError, "keys.Verify", errBadSignature)
		}
		return nil
	case Secp256k1:
		pk, err := secp256k1.ParsePubKey([]byte(pub.Raw))
		if err != nil {
			return webplus.E(webplus.VerificationError, "keys.Verify", err)
		}
		parsed, err := dcrdecdsa.ParseDERSignature(sig)
		if err != nil {
			return webplus.E(webplus.VerificationError, "keys.Verify", err)
		}
		digest := hash256(message)
		if !parsed.Verify(digest, pk) {
			return webplus.E(webplus.VerificationError, "keys.Verify", errBadSignature)
		}
		return nil
	case P256:
		x, y := unmarshalP256(pub.Raw)
		if x == nil {
			return webplus.E(webplus.VerificationError, "keys.Verify", errBadKey)
		}
		pubKey := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		digest := hash256(message)
		if len(sig) != 64 {
			return webplus.E(webplus.VerificationError, "keys.Verify", fmt.Errorf("bad P-256 signature length %d", len(sig)))
		}
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if !ecdsa.Verify(pubKey, digest, r, s) {
			return webplus.E(webplus.VerificationError, "keys.Verify", errBadSignature)
		}
		return nil
	default:
		return webplus.E(webplus.Unsupported, "keys.Verify", fmt.Errorf("unsupported key codec %q", pub.Codec))
	}
}

func unmarshalP256(raw string) (*big.Int, *big.Int) {
	b := []byte(raw)
	if len(b) != 65 || b[0] != 0x04 {
		return nil, nil
	}
	x := new(big.Int).SetBytes(b[1:33])
	y := new(big.Int).SetBytes(b[33:65])
	return x, y
}

func hash256(message []byte) []byte {
	// Signing digest for secp256k1/P-256: SHA-256 over the message,
	// matching the JWS ES256/ES256K signing-input convention (the
	// message here is the JWS signing input, already caller-prepared).
	h := crypto.SHA256.New()
	h.Write(message)
	return h.Sum(nil)
}

var (
	errBadSignature = fmt.Errorf("signature verification failed")
	errBadKey       = fmt.Errorf("malformed public key")
)

// GenerateEd25519 creates a fresh Ed25519 keypair.
func GenerateEd25519() (Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, webplus.E(webplus.SigningError, "keys.GenerateEd25519", err)
	}
	return &ed25519Signer{pub: pub, priv: priv}, nil
}

type ed25519Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func (s *ed25519Signer) Public() PublicKey {
	return PublicKey{Codec: Ed25519, Raw: string(s.pub)}
}

func (s *ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func (s *ed25519Signer) MarshalPrivate() (Codec, []byte, error) {
	return Ed25519, append([]byte(nil), s.priv...), nil
}

// GenerateSecp256k1 creates a fresh secp256k1 keypair.
func GenerateSecp256k1() (Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, webplus.E(webplus.SigningError, "keys.GenerateSecp256k1", err)
	}
	return &secp256k1Signer{priv: priv}, nil
}

type secp256k1Signer struct {
	priv *secp256k1.PrivateKey
}

func (s *secp256k1Signer) Public() PublicKey {
	return PublicKey{Codec: Secp256k1, Raw: string(s.priv.PubKey().SerializeCompressed())}
}

func (s *secp256k1Signer) Sign(message []byte) ([]byte, error) {
	digest := hash256(message)
	sig := dcrdecdsa.Sign(s.priv, digest)
	return sig.Serialize(), nil
}

func (s *secp256k1Signer) MarshalPrivate() (Codec, []byte, error) {
	return Secp256k1, s.priv.Serialize(), nil
}

// GenerateP256 creates a fresh P-256 keypair.
func GenerateP256() (Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, webplus.E(webplus.SigningError, "keys.GenerateP256", err)
	}
	return &p256Signer{priv: priv}, nil
}

type p256Signer struct {
	priv *ecdsa.PrivateKey
}

func (s *p256Signer) Public() PublicKey {
	raw := elliptic.Marshal(elliptic.P256(), s.priv.PublicKey.X, s.priv.PublicKey.Y)
	return PublicKey{Codec: P256, Raw: string(raw)}
}

func (s *p256Signer) Sign(message []byte) ([]byte, error) {
	digest := hash256(message)
	r, sVal, err := ecdsa.Sign(rand.Reader, s.priv, digest)
	if err != nil {
		return nil, webplus.E(webplus.SigningError, "keys.p256Signer.Sign", err)
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	sVal.FillBytes(out[32:])
	return out, nil
}

func (s *p256Signer) MarshalPrivate() (Codec, []byte, error) {
	out := make([]byte, 32)
	s.priv.D.FillBytes(out)
	return P256, out, nil
}

var (
	_ PrivateMarshaler = (*ed25519Signer)(nil)
	_ PrivateMarshaler = (*secp256k1Signer)(nil)
	_ PrivateMarshaler = (*p256Signer)(nil)
)
