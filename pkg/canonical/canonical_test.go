package canonical

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webplusdid/webplus/pkg/multihash"
)

func TestMarshalSortsKeys(t *testing.T) {
	type pair struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	out, err := Marshal(pair{B: 2, A: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}

func TestMarshalNoInsignificantWhitespace(t *testing.T) {
	out, err := Marshal(map[string]any{"x": []int{1, 2, 3}})
	require.NoError(t, err)
	assert.NotContains(t, string(out), " ")
	assert.NotContains(t, string(out), "\n")
}

// selfHashDoc is a minimal SelfHashable used only to exercise the
// fix-point protocol in isolation from pkg/document's richer schema.
type selfHashDoc struct {
	SelfHash string `json:"selfHash"`
	Payload  string `json:"payload"`
}

func (d *selfHashDoc) SelfHashSlots() []*string { return []*string{&d.SelfHash} }

func TestComputeAndVerifySelfHash(t *testing.T) {
	d := &selfHashDoc{Payload: "hello"}
	hash, _, err := ComputeSelfHash(multihash.SHA256, d)
	require.NoError(t, err)
	assert.Equal(t, hash, d.SelfHash)

	require.NoError(t, VerifySelfHash(multihash.SHA256, d))
}

func TestVerifySelfHashDetectsTamper(t *testing.T) {
	d := &selfHashDoc{Payload: "hello"}
	_, _, err := ComputeSelfHash(multihash.SHA256, d)
	require.NoError(t, err)

	d.Payload = "tampered"
	require.Error(t, VerifySelfHash(multihash.SHA256, d))
}

func TestCanonicalizeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("canonicalize(parse(canonicalize(d))) == canonicalize(d)", prop.ForAll(
		func(payload string) bool {
			d1 := &selfHashDoc{Payload: payload}
			b1, err := Marshal(d1)
			if err != nil {
				return false
			}

			var d2 selfHashDoc
			if err := json.Unmarshal(b1, &d2); err != nil {
				return false
			}
			b2, err := Marshal(&d2)
			if err != nil {
				return false
			}
			return string(b1) == string(b2)
		},
		gen.AnyString(),
	))

	properties.Property("self-hash fix-point is reproducible", prop.ForAll(
		func(payload string) bool {
			d := &selfHashDoc{Payload: payload}
			hash, _, err := ComputeSelfHash(multihash.SHA256, d)
			if err != nil {
				return false
			}
			return VerifySelfHash(multihash.SHA256, d) == nil && hash == d.SelfHash
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
