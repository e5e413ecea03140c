package jws

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webplusdid/webplus/pkg/keys"
)

func encodeNoPad(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func resolverFor(pub keys.PublicKey) func(string) (keys.PublicKey, error) {
	return func(string) (keys.PublicKey, error) { return pub, nil }
}

func TestSignVerifyDetachedUnencoded(t *testing.T) {
	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)

	payload := []byte(`{"hello":"world"}`)
	compact, err := Sign(SignOptions{
		Kid:      "did:webplus:example.com:abc#key-1",
		Presence: Detached,
		Encoding: None,
		Payload:  payload,
		Signer:   signer,
	})
	require.NoError(t, err)

	parts := strings.Split(compact, ".")
	require.Len(t, parts, 3)
	assert.Empty(t, parts[1], "detached payload segment must be empty")

	h, pub, err := Verify(VerifyOptions{
		Compact:         compact,
		DetachedPayload: payload,
		Resolve:         resolverFor(signer.Public()),
	})
	require.NoError(t, err)
	assert.True(t, h.B64 != nil && !*h.B64)
	assert.Equal(t, []string{"b64"}, h.Crit)
	assert.Equal(t, signer.Public(), pub)
}

func TestSignVerifyAttachedEncoded(t *testing.T) {
	signer, err := keys.GenerateP256()
	require.NoError(t, err)

	payload := []byte("attached payload")
	compact, err := Sign(SignOptions{
		Kid:      "kid-1",
		Presence: Attached,
		Encoding: Base64Url,
		Payload:  payload,
		Signer:   signer,
	})
	require.NoError(t, err)

	_, _, err = Verify(VerifyOptions{
		Compact: compact,
		Resolve: resolverFor(signer.Public()),
	})
	require.NoError(t, err)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)

	payload := []byte("payload")
	compact, err := Sign(SignOptions{
		Kid:      "kid",
		Presence: Detached,
		Encoding: None,
		Payload:  payload,
		Signer:   signer,
	})
	require.NoError(t, err)

	parts := strings.Split(compact, ".")
	mutatedSig := flipLastChar(parts[2])
	mutated := parts[0] + "." + parts[1] + "." + mutatedSig

	_, _, err = Verify(VerifyOptions{
		Compact:         mutated,
		DetachedPayload: payload,
		Resolve:         resolverFor(signer.Public()),
	})
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)

	payload := []byte("payload")
	compact, err := Sign(SignOptions{
		Kid:      "kid",
		Presence: Detached,
		Encoding: None,
		Payload:  payload,
		Signer:   signer,
	})
	require.NoError(t, err)

	_, _, err = Verify(VerifyOptions{
		Compact:         compact,
		DetachedPayload: []byte("tampered payload"),
		Resolve:         resolverFor(signer.Public()),
	})
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedHeader(t *testing.T) {
	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)

	payload := []byte("payload")
	compact, err := Sign(SignOptions{
		Kid:      "kid",
		Presence: Detached,
		Encoding: None,
		Payload:  payload,
		Signer:   signer,
	})
	require.NoError(t, err)

	parts := strings.Split(compact, ".")
	mutatedHeader := flipLastChar(parts[0])
	mutated := mutatedHeader + "." + parts[1] + "." + parts[2]

	_, _, err = Verify(VerifyOptions{
		Compact:         mutated,
		DetachedPayload: payload,
		Resolve:         resolverFor(signer.Public()),
	})
	assert.Error(t, err)
}

func TestVerifyRejectsMissingCrit(t *testing.T) {
	signer, err := keys.GenerateEd25519()
	require.NoError(t, err)

	payload := []byte("payload")
	compact, err := Sign(SignOptions{
		Kid:      "kid",
		Presence: Detached,
		Encoding: None,
		Payload:  payload,
		Signer:   signer,
	})
	require.NoError(t, err)

	// Tamper with the header to drop "crit" while keeping b64:false, by
	// swapping in a hand-built header missing crit and keeping the
	// original signature.
	parts := strings.Split(compact, ".")
	badHeader := `{"alg":"EdDSA","kid":"kid","b64":false}`
	badHeaderSeg := encodeNoPad(badHeader)
	mutated := badHeaderSeg + "." + parts[1] + "." + parts[2]

	_, _, err = Verify(VerifyOptions{
		Compact:         mutated,
		DetachedPayload: payload,
		Resolve:         resolverFor(signer.Public()),
	})
	assert.Error(t, err)
}

func flipLastChar(s string) string {
	b := []byte(s)
	if len(b) == 0 {
		return s
	}
	last := b[len(b)-1]
	// 'A'<->'g' differ in the top bit of the 6-bit group, which always
	// carries data; 'A'->'B' would only touch trailing padding bits.
	if last == 'A' {
		b[len(b)-1] = 'g'
	} else {
		b[len(b)-1] = 'A'
	}
	return string(b)
}
