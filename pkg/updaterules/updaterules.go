// Package updaterules implements the update-authorization rule language
// spec §3 and §4.4 define: a tagged recursive tree (Key, HashedKey, Any,
// All, Threshold, and the root-only terminal UpdatesDisallowed) verified
// against a document's valid proof data, plus the standalone
// FindMatchingUpdateKeys traversal a wallet uses to discover which of its
// keys a document's rules currently authorize.
//
// Rule trees serialize without an explicit discriminator tag: the shape
// of the JSON object says which variant it is. Parsing therefore tries
// variants in a fixed order — HashedKey, Key, Threshold, All, Any, and
// UpdatesDisallowed last, since its empty-object shape would otherwise
// swallow any object it's tried against first.
package updaterules

import (
	"fmt"

	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// ValidProofData is the public key whose corresponding signing key
// produced a successfully verified proof (spec §3).
type ValidProofData struct {
	PubKey keys.PublicKey
}

// Rule is implemented by every node in the tree.
type Rule interface {
	// VerifyRules reports whether valid authorizes an update under this
	// rule, returning webplus.InvalidDIDUpdateOperation on failure.
	VerifyRules(valid []ValidProofData) error
	// FindMatchingUpdateKeys appends to matches the index (into pubKeys)
	// of every key this rule subtree references, directly or via hash.
	FindMatchingUpdateKeys(pubKeys []keys.PublicKey, matches *[]int)
}

// Key is satisfied when some valid proof's public key equals PubKey.
type Key struct {
	PubKey keys.PublicKey
}

func (k Key) VerifyRules(valid []ValidProofData) error {
	for _, v := range valid {
		if v.PubKey == k.PubKey {
			return nil
		}
	}
	return webplus.E(webplus.InvalidDIDUpdateOperation, "updaterules.Key.VerifyRules", fmt.Errorf("no valid proof matched the required key"))
}

func (k Key) FindMatchingUpdateKeys(pubKeys []keys.PublicKey, matches *[]int) {
	for i, pk := range pubKeys {
		if pk == k.PubKey {
			*matches = append(*matches, i)
		}
	}
}

// HashedKey is satisfied when some valid proof's public key hashes
// (under HashFn) to HashedPubKey.
type HashedKey struct {
	HashedPubKey string
	HashFn       multihash.Function
}

func (h HashedKey) VerifyRules(valid []ValidProofData) error {
	for _, v := range valid {
		ok, err := h.matches(v.PubKey)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return webplus.E(webplus.InvalidDIDUpdateOperation, "updaterules.HashedKey.VerifyRules", fmt.Errorf("no valid proof's key hashed to the required value"))
}

func (h HashedKey) matches(pub keys.PublicKey) (bool, error) {
	encoded, err := keys.EncodeMultibase(pub)
	if err != nil {
		return false, webplus.E(webplus.VerificationError, "updaterules.HashedKey.matches", err)
	}
	sum, err := multihash.Sum(h.HashFn, []byte(encoded))
	if err != nil {
		return false, err
	}
	return sum == h.HashedPubKey, nil
}

func (h HashedKey) FindMatchingUpdateKeys(pubKeys []keys.PublicKey, matches *[]int) {
	for i, pk := range pubKeys {
		if ok, err := h.matches(pk); err == nil && ok {
			*matches = append(*matches, i)
		}
	}
}

// Any is satisfied when any child rule is satisfied.
type Any struct {
	Rules []Rule
}

func (a Any) VerifyRules(valid []ValidProofData) error {
	for _, r := range a.Rules {
		if err := r.VerifyRules(valid); err == nil {
			return nil
		}
	}
	return webplus.E(webplus.InvalidDIDUpdateOperation, "updaterules.Any.VerifyRules", fmt.Errorf("no subordinate rule was satisfied"))
}

func (a Any) FindMatchingUpdateKeys(pubKeys []keys.PublicKey, matches *[]int) {
	for _, r := range a.Rules {
		r.FindMatchingUpdateKeys(pubKeys, matches)
	}
}

// All is satisfied when every child rule is satisfied.
type All struct {
	Rules []Rule
}

func (a All) VerifyRules(valid []ValidProofData) error {
	for _, r := range a.Rules {
		if err := r.VerifyRules(valid); err != nil {
			return webplus.E(webplus.InvalidDIDUpdateOperation, "updaterules.All.VerifyRules", fmt.Errorf("subordinate rule failed: %w", err))
		}
	}
	return nil
}

func (a All) FindMatchingUpdateKeys(pubKeys []keys.PublicKey, matches *[]int) {
	for _, r := range a.Rules {
		r.FindMatchingUpdateKeys(pubKeys, matches)
	}
}

// Weighted pairs a Rule with its weight in a Threshold (default 1).
type Weighted struct {
	Weight uint32
	Rule   Rule
}

// Threshold is satisfied when the summed weight of its satisfied
// children is at least AtLeast.
type Threshold struct {
	AtLeast uint32
	Of      []Weighted
}

func (t Threshold) VerifyRules(valid []ValidProofData) error {
	var sum uint32
	for _, w := range t.Of {
		if err := w.Rule.VerifyRules(valid); err == nil {
			sum += w.Weight
		}
	}
	if sum >= t.AtLeast {
		return nil
	}
	return webplus.E(webplus.InvalidDIDUpdateOperation, "updaterules.Threshold.VerifyRules", fmt.Errorf("weight sum %d below threshold %d", sum, t.AtLeast))
}

func (t Threshold) FindMatchingUpdateKeys(pubKeys []keys.PublicKey, matches *[]int) {
	for _, w := range t.Of {
		w.Rule.FindMatchingUpdateKeys(pubKeys, matches)
	}
}

// UpdatesDisallowed is the root-only terminal "tombstone" rule: it is
// never satisfied, regardless of proof data.
type UpdatesDisallowed struct{}

func (UpdatesDisallowed) VerifyRules([]ValidProofData) error {
	return webplus.E(webplus.InvalidDIDUpdateOperation, "updaterules.UpdatesDisallowed.VerifyRules", fmt.Errorf("updates are disallowed for this DID"))
}

func (UpdatesDisallowed) FindMatchingUpdateKeys([]keys.PublicKey, *[]int) {}

// FindMatchingUpdateKeys is the standalone traversal spec §4.4 names:
// given a candidate set of public keys, it returns which indices appear
// in r's tree, directly or via HashedKey.
func FindMatchingUpdateKeys(r Rule, pubKeys []keys.PublicKey) []int {
	var matches []int
	r.FindMatchingUpdateKeys(pubKeys, &matches)
	return matches
}
