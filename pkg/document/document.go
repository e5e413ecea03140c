// Package document implements the DID document model spec §3-§4.3: root
// and non-root document schemas, self-hash slot enumeration (feeding
// pkg/canonical's fix-point protocol), unsigned construction, proof
// attachment, finalization, and non-recursive verification.
package document

import (
	"encoding/json"
	"time"

	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/updaterules"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// Time is validFrom at millisecond precision, UTC, per spec §3. A distinct
// type (rather than bare time.Time) keeps its JSON rendering fixed so the
// canonical pre-image is bit-exact regardless of the local clock's
// sub-millisecond jitter.
type Time struct{ time.Time }

const timeLayout = "2006-01-02T15:04:05.000Z"

// NewTime truncates t to millisecond precision in UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Millisecond)}
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timeLayout))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return webplus.E(webplus.Malformed, "document.Time.UnmarshalJSON", err)
	}
	parsed, err := time.Parse(timeLayout, s)
	if err != nil {
		return webplus.E(webplus.Malformed, "document.Time.UnmarshalJSON", err)
	}
	t.Time = parsed
	return nil
}

// VerificationMethod is a public key plus its fragment identifier and
// controller (spec §3: "verification methods plus per-purpose sets").
type VerificationMethod struct {
	ID           did.WithFragment
	Controller   did.DID
	PublicKeyJWK keys.JWK
}

type verificationMethodWire struct {
	ID           string   `json:"id"`
	Controller   string   `json:"controller"`
	PublicKeyJWK keys.JWK `json:"publicKeyJwk"`
}

func (vm VerificationMethod) MarshalJSON() ([]byte, error) {
	return json.Marshal(verificationMethodWire{
		ID:           vm.ID.String(),
		Controller:   vm.Controller.String(),
		PublicKeyJWK: vm.PublicKeyJWK,
	})
}

func (vm *VerificationMethod) UnmarshalJSON(b []byte) error {
	var w verificationMethodWire
	if err := json.Unmarshal(b, &w); err != nil {
		return webplus.E(webplus.Malformed, "document.VerificationMethod.UnmarshalJSON", err)
	}
	id, err := did.ParseWithFragment(w.ID)
	if err != nil {
		return err
	}
	controller, err := did.Parse(w.Controller)
	if err != nil {
		return err
	}
	vm.ID = *id
	vm.Controller = *controller
	vm.PublicKeyJWK = w.PublicKeyJWK
	return nil
}

// PublicKeyMaterial holds every verification method plus the per-purpose
// sets that reference them by fragment (spec §3).
type PublicKeyMaterial struct {
	VerificationMethod    []VerificationMethod
	Authentication        []string
	AssertionMethod       []string
	KeyAgreement          []string
	CapabilityInvocation  []string
	CapabilityDelegation  []string
}

type publicKeyMaterialWire struct {
	VerificationMethod   []VerificationMethod `json:"verificationMethod"`
	Authentication       []string             `json:"authentication,omitempty"`
	AssertionMethod      []string             `json:"assertionMethod,omitempty"`
	KeyAgreement         []string             `json:"keyAgreement,omitempty"`
	CapabilityInvocation []string             `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []string             `json:"capabilityDelegation,omitempty"`
}

func (pkm PublicKeyMaterial) wire() publicKeyMaterialWire {
	return publicKeyMaterialWire{
		VerificationMethod:   pkm.VerificationMethod,
		Authentication:       pkm.Authentication,
		AssertionMethod:      pkm.AssertionMethod,
		KeyAgreement:         pkm.KeyAgreement,
		CapabilityInvocation: pkm.CapabilityInvocation,
		CapabilityDelegation: pkm.CapabilityDelegation,
	}
}

// PublicKeySet is the input to document construction: the set of keys to
// install and which purposes each serves, keyed by fragment.
type PublicKeySet struct {
	// Keys maps a fragment identifier to its public key.
	Keys                 map[string]keys.PublicKey
	Authentication       []string
	AssertionMethod      []string
	KeyAgreement         []string
	CapabilityInvocation []string
	CapabilityDelegation []string
}

// Document is a single signed, self-hashed DID document (spec §3). Root
// documents have an empty PrevDIDDocumentSelfHash; non-root documents
// carry their predecessor's SelfHash there.
type Document struct {
	ID                      did.DID
	SelfHash                string
	PrevDIDDocumentSelfHash string
	UpdateRules             updaterules.Rule
	Proofs                  []string
	ValidFrom               Time
	VersionID               int64
	PublicKeyMaterial       PublicKeyMaterial
	HashFunction            multihash.Function
}

// IsRoot reports whether d is a root document (versionId 0, no predecessor).
func (d *Document) IsRoot() bool { return d.PrevDIDDocumentSelfHash == "" }

type documentWire struct {
	ID                      string                `json:"id"`
	SelfHash                string                `json:"selfHash"`
	PrevDIDDocumentSelfHash string                `json:"prevDIDDocumentSelfHash,omitempty"`
	UpdateRules             json.RawMessage       `json:"updateRules"`
	Proofs                  []string              `json:"proofs"`
	ValidFrom               Time                  `json:"validFrom"`
	VersionID               int64                 `json:"versionId"`
	PublicKeyMaterial       publicKeyMaterialWire `json:"publicKeyMaterial"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	rulesJSON, err := updaterules.Marshal(d.UpdateRules)
	if err != nil {
		return nil, err
	}
	proofs := d.Proofs
	if proofs == nil {
		proofs = []string{}
	}
	w := documentWire{
		ID:                      d.ID.String(),
		SelfHash:                d.SelfHash,
		PrevDIDDocumentSelfHash: d.PrevDIDDocumentSelfHash,
		UpdateRules:             rulesJSON,
		Proofs:                  proofs,
		ValidFrom:               d.ValidFrom,
		VersionID:               d.VersionID,
		PublicKeyMaterial:       d.PublicKeyMaterial.wire(),
	}
	return json.Marshal(w)
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var w documentWire
	if err := json.Unmarshal(b, &w); err != nil {
		return webplus.E(webplus.Malformed, "document.UnmarshalJSON", err)
	}
	id, err := did.Parse(w.ID)
	if err != nil {
		return err
	}
	rules, err := updaterules.Parse(w.UpdateRules)
	if err != nil {
		return err
	}
	fn, err := hashFunctionOf(w.SelfHash)
	if err != nil {
		return err
	}
	d.ID = *id
	d.SelfHash = w.SelfHash
	d.PrevDIDDocumentSelfHash = w.PrevDIDDocumentSelfHash
	d.UpdateRules = rules
	d.Proofs = w.Proofs
	d.ValidFrom = w.ValidFrom
	d.VersionID = w.VersionID
	d.HashFunction = fn
	d.PublicKeyMaterial = PublicKeyMaterial{
		VerificationMethod:   w.PublicKeyMaterial.VerificationMethod,
		Authentication:       w.PublicKeyMaterial.Authentication,
		AssertionMethod:      w.PublicKeyMaterial.AssertionMethod,
		KeyAgreement:         w.PublicKeyMaterial.KeyAgreement,
		CapabilityInvocation: w.PublicKeyMaterial.CapabilityInvocation,
		CapabilityDelegation: w.PublicKeyMaterial.CapabilityDelegation,
	}
	return nil
}

// hashFunctionOf recovers the hash function a self-hash string names, per
// spec §4.1: "the hash function identifier is carried in the hash itself."
func hashFunctionOf(selfHash string) (multihash.Function, error) {
	fn, _, err := multihash.Decode(selfHash)
	if err != nil {
		return "", err
	}
	return fn, nil
}

// SelfHashSlots implements canonical.SelfHashable (spec §4.1 step 1). Root
// documents expose the id's root-hash slot and every verification
// method's id/controller root-hash slot in addition to the selfHash
// field; non-root documents expose only the selfHash field (spec §3
// invariant (i)).
func (d *Document) SelfHashSlots() []*string {
	slots := []*string{&d.SelfHash}
	if !d.IsRoot() {
		return slots
	}
	slots = append(slots, &d.ID.RootSelfHash)
	for i := range d.PublicKeyMaterial.VerificationMethod {
		vm := &d.PublicKeyMaterial.VerificationMethod[i]
		slots = append(slots, &vm.ID.RootSelfHash, &vm.Controller.RootSelfHash)
	}
	return slots
}
