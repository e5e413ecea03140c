package document

import (
	"github.com/webplusdid/webplus/pkg/canonical"
	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/jws"
	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/updaterules"
)

// RootParams configures the creation of a root document (spec §4.3
// "unsigned construction").
type RootParams struct {
	Host         string
	Port         string
	PathSegments []string
	ValidFrom    Time
	UpdateRules  updaterules.Rule
	PublicKeys   PublicKeySet
	HashFunction multihash.Function
}

// CreateRootUnsigned builds a root document with every self-hash slot
// holding the placeholder value, ready for AddProof and Finalize.
func CreateRootUnsigned(p RootParams) (*Document, error) {
	placeholder, err := canonical.NewPlaceholder(p.HashFunction)
	if err != nil {
		return nil, err
	}
	rootDID := did.DID{Host: p.Host, Port: p.Port, PathSegments: p.PathSegments, RootSelfHash: string(placeholder)}
	pkm, err := buildPublicKeyMaterial(rootDID, p.PublicKeys)
	if err != nil {
		return nil, err
	}
	return &Document{
		ID:                rootDID,
		SelfHash:          string(placeholder),
		UpdateRules:       p.UpdateRules,
		Proofs:            nil,
		ValidFrom:         p.ValidFrom,
		VersionID:         0,
		PublicKeyMaterial: pkm,
		HashFunction:      p.HashFunction,
	}, nil
}

// NonRootParams configures the creation of a document that extends prev.
type NonRootParams struct {
	ValidFrom   Time
	UpdateRules updaterules.Rule
	PublicKeys  PublicKeySet
}

// CreateNonRootUnsigned builds the successor of prev with its selfHash
// slot holding the placeholder value, ready for AddProof and Finalize.
func CreateNonRootUnsigned(prev *Document, p NonRootParams) (*Document, error) {
	pkm, err := buildPublicKeyMaterial(prev.ID, p.PublicKeys)
	if err != nil {
		return nil, err
	}
	placeholder, err := canonical.NewPlaceholder(prev.HashFunction)
	if err != nil {
		return nil, err
	}
	return &Document{
		ID:                      prev.ID,
		SelfHash:                string(placeholder),
		PrevDIDDocumentSelfHash: prev.SelfHash,
		UpdateRules:             p.UpdateRules,
		Proofs:                  nil,
		ValidFrom:               p.ValidFrom,
		VersionID:               prev.VersionID + 1,
		PublicKeyMaterial:       pkm,
		HashFunction:            prev.HashFunction,
	}, nil
}

func buildPublicKeyMaterial(owner did.DID, set PublicKeySet) (PublicKeyMaterial, error) {
	fragments := make([]string, 0, len(set.Keys))
	for frag := range set.Keys {
		fragments = append(fragments, frag)
	}
	vms := make([]VerificationMethod, 0, len(fragments))
	for _, frag := range fragments {
		pub := set.Keys[frag]
		jwk, err := keys.ToJWK(pub)
		if err != nil {
			return PublicKeyMaterial{}, err
		}
		vms = append(vms, VerificationMethod{
			ID:           did.WithFragment{DID: owner, Fragment: frag},
			Controller:   owner,
			PublicKeyJWK: jwk,
		})
	}
	return PublicKeyMaterial{
		VerificationMethod:   vms,
		Authentication:       set.Authentication,
		AssertionMethod:      set.AssertionMethod,
		KeyAgreement:         set.KeyAgreement,
		CapabilityInvocation: set.CapabilityInvocation,
		CapabilityDelegation: set.CapabilityDelegation,
	}, nil
}

// BytesToSign returns the canonical pre-image a proof signs: d with Proofs
// cleared and every self-hash slot reset to placeholder (spec §4.3
// "adding proofs"). It does not mutate d.
func BytesToSign(d *Document, fn multihash.Function) ([]byte, error) {
	clone := *d
	clone.Proofs = nil
	clone.PublicKeyMaterial.VerificationMethod = append([]VerificationMethod{}, d.PublicKeyMaterial.VerificationMethod...)
	placeholder, err := canonical.NewPlaceholder(fn)
	if err != nil {
		return nil, err
	}
	setPlaceholderSlots(&clone, string(placeholder))
	return canonical.Marshal(&clone)
}

func setPlaceholderSlots(d *Document, placeholder string) {
	for _, s := range d.SelfHashSlots() {
		*s = placeholder
	}
}

// AddProof signs d's bytes-to-sign with signer under kid and appends the
// resulting detached, b64:false JWS to d.Proofs (spec §4.3: "each proof is
// a detached JWS with payload_encoding=None").
func AddProof(d *Document, kid string, signer keys.Signer) error {
	toSign, err := BytesToSign(d, d.HashFunction)
	if err != nil {
		return err
	}
	compact, err := jws.Sign(jws.SignOptions{
		Kid:      kid,
		Presence: jws.Detached,
		Encoding: jws.None,
		Payload:  toSign,
		Signer:   signer,
	})
	if err != nil {
		return err
	}
	d.Proofs = append(d.Proofs, compact)
	return nil
}

// Finalize computes the self-hash fix-point (spec §4.1) over d — which
// must already carry its proofs — and verifies the result non-recursively
// against prev (nil for a root document). It returns the canonical
// serialized form of the finalized document.
func Finalize(d *Document, prev *Document) ([]byte, error) {
	_, final, err := canonical.ComputeSelfHash(d.HashFunction, d)
	if err != nil {
		return nil, err
	}
	if err := VerifyNonRecursive(d, prev); err != nil {
		return nil, err
	}
	return final, nil
}
