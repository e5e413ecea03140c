// Package jws implements the compact JWS codec spec §4.2 requires: attached
// or detached payload, base64url-encoded or raw ("b64:false") payload
// segment, with the crit:["b64"] header extension RFC 7797 defines for the
// unencoded-payload variant. This combination — a detached, unencoded
// payload whose verifier is resolved from a did:webplus kid rather than a
// generic JWK — isn't a single off-the-shelf feature of any JOSE library,
// so the header, signing-input assembly, and parsing are implemented
// directly against RFC 7515/7797 here.
package jws

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// PayloadPresence says whether the payload segment is carried in the
// compact serialization or supplied out of band at verify time.
type PayloadPresence int

const (
	Attached PayloadPresence = iota
	Detached
)

// PayloadEncoding says whether the payload is base64url-encoded (the
// normal JWS rule) or included as raw bytes (RFC 7797, header b64:false).
type PayloadEncoding int

const (
	Base64Url PayloadEncoding = iota
	None
)

// Algorithm names, per the JOSE registry (RFC 8037 for EdDSA, RFC 7518 for
// ES256) plus ES256K, which IANA never registered.
const (
	AlgEdDSA  = "EdDSA"
	AlgES256  = "ES256"
	AlgES256K = "ES256K"
)

func algForCodec(c keys.Codec) (string, error) {
	switch c {
	case keys.Ed25519:
		return AlgEdDSA, nil
	case keys.P256:
		return AlgES256, nil
	case keys.Secp256k1:
		return AlgES256K, nil
	default:
		return "", webplus.E(webplus.Unsupported, "jws.algForCodec", fmt.Errorf("no JWS alg for key codec %q", c))
	}
}

func codecForAlg(alg string) (keys.Codec, error) {
	switch alg {
	case AlgEdDSA:
		return keys.Ed25519, nil
	case AlgES256:
		return keys.P256, nil
	case AlgES256K:
		return keys.Secp256k1, nil
	default:
		return "", webplus.E(webplus.Unsupported, "jws.codecForAlg", fmt.Errorf("unrecognized alg %q", alg))
	}
}

// Header is the JWS protected header. Only the fields this codec uses are
// modeled; Verify ignores any other header fields, and rejects any crit
// entry other than "b64".
type Header struct {
	Alg  string   `json:"alg"`
	Kid  string   `json:"kid"`
	B64  *bool    `json:"b64,omitempty"`
	Crit []string `json:"crit,omitempty"`
}

// SignOptions configures a Sign call.
type SignOptions struct {
	Kid             string
	Presence        PayloadPresence
	Encoding        PayloadEncoding
	Payload         []byte
	Signer          keys.Signer
}

// Sign produces a compact JWS string per spec §4.2. For Detached presence
// the middle segment of the output is empty even though the payload was
// part of the signing input.
func Sign(opts SignOptions) (string, error) {
	alg, err := algForCodec(opts.Signer.Public().Codec)
	if err != nil {
		return "", err
	}

	h := Header{Alg: alg, Kid: opts.Kid}
	if opts.Encoding == None {
		f := false
		h.B64 = &f
		h.Crit = []string{"b64"}
	}
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return "", webplus.E(webplus.Malformed, "jws.Sign", err)
	}
	headerSeg := base64.RawURLEncoding.EncodeToString(headerJSON)

	payloadSeg := payloadSegment(opts.Encoding, opts.Payload)
	signingInput := headerSeg + "." + payloadSeg

	sig, err := opts.Signer.Sign([]byte(signingInput))
	if err != nil {
		return "", webplus.E(webplus.SigningError, "jws.Sign", err)
	}
	sigSeg := base64.RawURLEncoding.EncodeToString(sig)

	outPayloadSeg := payloadSeg
	if opts.Presence == Detached {
		outPayloadSeg = ""
	}
	return headerSeg + "." + outPayloadSeg + "." + sigSeg, nil
}

func payloadSegment(enc PayloadEncoding, payload []byte) string {
	if enc == None {
		return string(payload)
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}

// VerifyOptions configures a Verify call. DetachedPayload must be
// supplied when the compact string's middle segment is empty.
type VerifyOptions struct {
	Compact         string
	DetachedPayload []byte
	Resolve         func(kid string) (keys.PublicKey, error)
}

// Verify parses and verifies a compact JWS, returning the header and the
// public key that verified it (the "valid proof data" of spec §3). It
// rejects whitespace or non-base64url characters in the header/signature
// segments, malformed b64/crit combinations, and any signature mismatch.
func Verify(opts VerifyOptions) (Header, keys.PublicKey, error) {
	parts := strings.Split(opts.Compact, ".")
	if len(parts) != 3 {
		return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", fmt.Errorf("expected 3 dot-separated segments, got %d", len(parts)))
	}
	headerSeg, payloadSeg, sigSeg := parts[0], parts[1], parts[2]

	if containsWhitespace(headerSeg) || containsWhitespace(sigSeg) {
		return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", fmt.Errorf("whitespace in header or signature segment"))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerSeg)
	if err != nil {
		return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", err)
	}
	var h Header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", err)
	}

	unencoded := h.B64 != nil && !*h.B64
	if unencoded {
		if !containsCrit(h.Crit, "b64") {
			return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", fmt.Errorf("b64:false without crit:[\"b64\"]"))
		}
	} else if len(h.Crit) > 0 {
		return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", fmt.Errorf("unsupported crit extensions %v", h.Crit))
	}

	var payload []byte
	if payloadSeg == "" {
		if opts.DetachedPayload == nil {
			return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", fmt.Errorf("empty payload segment but no detached payload supplied"))
		}
		payload = opts.DetachedPayload
	} else {
		if unencoded {
			return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", fmt.Errorf("b64:false with non-empty attached payload segment is not supported"))
		}
		decoded, err := base64.RawURLEncoding.DecodeString(payloadSeg)
		if err != nil {
			return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", err)
		}
		payload = decoded
	}

	var payloadForSigningInput string
	if unencoded {
		payloadForSigningInput = string(payload)
	} else {
		payloadForSigningInput = base64.RawURLEncoding.EncodeToString(payload)
	}
	signingInput := headerSeg + "." + payloadForSigningInput

	sig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return Header{}, keys.PublicKey{}, webplus.E(webplus.Malformed, "jws.Verify", err)
	}

	wantCodec, err := codecForAlg(h.Alg)
	if err != nil {
		return Header{}, keys.PublicKey{}, err
	}

	pub, err := opts.Resolve(h.Kid)
	if err != nil {
		return Header{}, keys.PublicKey{}, err
	}
	if pub.Codec != wantCodec {
		return Header{}, keys.PublicKey{}, webplus.E(webplus.VerificationError, "jws.Verify", fmt.Errorf("alg %q does not match resolved key codec %q", h.Alg, pub.Codec))
	}

	if err := keys.Verify(pub, []byte(signingInput), sig); err != nil {
		return Header{}, keys.PublicKey{}, err
	}
	return h, pub, nil
}

func containsWhitespace(s string) bool {
	return bytes.IndexAny([]byte(s), " \t\r\n") >= 0
}

func containsCrit(crit []string, name string) bool {
	for _, c := range crit {
		if c == name {
			return true
		}
	}
	return false
}
