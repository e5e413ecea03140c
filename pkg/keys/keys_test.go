package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	signer, err := GenerateEd25519()
	require.NoError(t, err)

	msg := []byte("root did document bytes to sign")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)

	require.NoError(t, Verify(signer.Public(), msg, sig))

	tampered := append([]byte{}, sig...)
	tampered[0] ^= 0xff
	assert.Error(t, Verify(signer.Public(), msg, tampered))
}

func TestSecp256k1SignVerifyRoundTrip(t *testing.T) {
	signer, err := GenerateSecp256k1()
	require.NoError(t, err)

	msg := []byte("payload")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, Verify(signer.Public(), msg, sig))

	assert.Error(t, Verify(signer.Public(), []byte("different payload"), sig))
}

func TestP256SignVerifyRoundTrip(t *testing.T) {
	signer, err := GenerateP256()
	require.NoError(t, err)

	msg := []byte("payload")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	require.NoError(t, Verify(signer.Public(), msg, sig))
}

func TestMarshalPrivateUnmarshalSignerRoundTrip(t *testing.T) {
	generators := map[Codec]func() (Signer, error){
		Ed25519:   GenerateEd25519,
		Secp256k1: GenerateSecp256k1,
		P256:      GenerateP256,
	}
	for codec, gen := range generators {
		t.Run(string(codec), func(t *testing.T) {
			signer, err := gen()
			require.NoError(t, err)

			marshaler, ok := signer.(PrivateMarshaler)
			require.True(t, ok)
			gotCodec, raw, err := marshaler.MarshalPrivate()
			require.NoError(t, err)
			assert.Equal(t, codec, gotCodec)

			restored, err := UnmarshalSigner(gotCodec, raw)
			require.NoError(t, err)
			assert.Equal(t, signer.Public(), restored.Public())

			msg := []byte("round tripped signer must still produce valid signatures")
			sig, err := restored.Sign(msg)
			require.NoError(t, err)
			assert.NoError(t, Verify(signer.Public(), msg, sig))
		})
	}
}

func TestUnmarshalSignerUnsupportedCodec(t *testing.T) {
	_, err := UnmarshalSigner("bogus", []byte("x"))
	assert.Error(t, err)
}

func TestMultibaseRoundTrip(t *testing.T) {
	for _, gen := range []func() (Signer, error){GenerateEd25519, GenerateSecp256k1, GenerateP256} {
		signer, err := gen()
		require.NoError(t, err)

		encoded, err := EncodeMultibase(signer.Public())
		require.NoError(t, err)

		back, err := DecodeMultibase(encoded)
		require.NoError(t, err)
		assert.Equal(t, signer.Public(), back)
	}
}

func TestJWKRoundTrip(t *testing.T) {
	for _, gen := range []func() (Signer, error){GenerateEd25519, GenerateSecp256k1, GenerateP256} {
		signer, err := gen()
		require.NoError(t, err)

		jwk, err := ToJWK(signer.Public())
		require.NoError(t, err)

		back, err := FromJWK(jwk)
		require.NoError(t, err)
		assert.Equal(t, signer.Public(), back)
	}
}
