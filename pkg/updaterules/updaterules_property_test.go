//go:build property
// +build property

package updaterules_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/updaterules"
)

// genPubKey returns a fresh random Ed25519 public key; seed is ignored, so
// every call yields a distinct key even for the same generated seed.
func genPubKey(seed string) keys.PublicKey {
	signer, err := keys.GenerateEd25519()
	if err != nil {
		panic(err)
	}
	_ = seed
	return signer.Public()
}

// TestRuleTreeRoundTrip verifies Marshal/Parse round-trip for the Key, Any,
// Threshold and UpdatesDisallowed shapes of the tagless codec (spec §4.4,
// §9).
func TestRuleTreeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Key rule round-trips", prop.ForAll(
		func(seed string) bool {
			want := updaterules.Key{PubKey: genPubKey(seed)}
			raw, err := updaterules.Marshal(want)
			if err != nil {
				return false
			}
			got, err := updaterules.Parse(raw)
			if err != nil {
				return false
			}
			gk, ok := got.(updaterules.Key)
			return ok && gk.PubKey == want.PubKey
		},
		gen.AlphaString(),
	))

	properties.Property("Any of N keys round-trips and preserves matching behavior", prop.ForAll(
		func(n int, seed string) bool {
			n = (n % 5) + 1
			pubs := make([]keys.PublicKey, n)
			rules := make([]updaterules.Rule, n)
			for i := range pubs {
				pubs[i] = genPubKey(seed)
				rules[i] = updaterules.Key{PubKey: pubs[i]}
			}
			want := updaterules.Any{Rules: rules}
			raw, err := updaterules.Marshal(want)
			if err != nil {
				return false
			}
			got, err := updaterules.Parse(raw)
			if err != nil {
				return false
			}
			gotAny, ok := got.(updaterules.Any)
			if !ok || len(gotAny.Rules) != n {
				return false
			}
			matches := updaterules.FindMatchingUpdateKeys(got, pubs)
			return len(matches) == n
		},
		gen.IntRange(0, 100),
		gen.AlphaString(),
	))

	properties.Property("Threshold rule round-trips its atLeast and weights", prop.ForAll(
		func(n int, seed string) bool {
			n = (n % 4) + 2
			of := make([]updaterules.Weighted, n)
			for i := range of {
				of[i] = updaterules.Weighted{Weight: uint32(i + 1), Rule: updaterules.Key{PubKey: genPubKey(seed)}}
			}
			var total uint32
			for _, w := range of {
				total += w.Weight
			}
			want := updaterules.Threshold{AtLeast: total, Of: of}
			raw, err := updaterules.Marshal(want)
			if err != nil {
				return false
			}
			got, err := updaterules.Parse(raw)
			if err != nil {
				return false
			}
			gotT, ok := got.(updaterules.Threshold)
			return ok && gotT.AtLeast == total && len(gotT.Of) == n
		},
		gen.IntRange(0, 100),
		gen.AlphaString(),
	))

	properties.Property("UpdatesDisallowed round-trips as the empty-object default", prop.ForAll(
		func() bool {
			raw, err := updaterules.Marshal(updaterules.UpdatesDisallowed{})
			if err != nil {
				return false
			}
			got, err := updaterules.Parse(raw)
			if err != nil {
				return false
			}
			_, ok := got.(updaterules.UpdatesDisallowed)
			return ok
		},
	))

	properties.TestingRun(t)
}

// TestThresholdVerifyRulesMatchesWeightArithmetic checks VerifyRules
// against a hand-computed sum, independent of the codec.
func TestThresholdVerifyRulesMatchesWeightArithmetic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Threshold is satisfied iff satisfied weight >= atLeast", prop.ForAll(
		func(satisfiedMask int, seed string) bool {
			const n = 4
			of := make([]updaterules.Weighted, n)
			pubs := make([]keys.PublicKey, n)
			for i := 0; i < n; i++ {
				pubs[i] = genPubKey(seed)
				of[i] = updaterules.Weighted{Weight: uint32(i + 1), Rule: updaterules.Key{PubKey: pubs[i]}}
			}
			var total uint32
			for _, w := range of {
				total += w.Weight
			}
			atLeast := (total / 2) + 1
			rule := updaterules.Threshold{AtLeast: atLeast, Of: of}

			var valid []updaterules.ValidProofData
			var satisfiedWeight uint32
			for i := 0; i < n; i++ {
				if satisfiedMask&(1<<uint(i)) != 0 {
					valid = append(valid, updaterules.ValidProofData{PubKey: pubs[i]})
					satisfiedWeight += uint32(i + 1)
				}
			}

			err := rule.VerifyRules(valid)
			wantOK := satisfiedWeight >= atLeast
			return (err == nil) == wantOK
		},
		gen.IntRange(0, 15),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
