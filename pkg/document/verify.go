package document

import (
	"fmt"
	"time"

	"github.com/webplusdid/webplus/pkg/canonical"
	"github.com/webplusdid/webplus/pkg/jws"
	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/updaterules"
	"github.com/webplusdid/webplus/pkg/webplus"
)

var unixEpoch = time.Unix(0, 0).UTC()

// VerifyNonRecursive checks d's invariants against prev (nil for a root
// document) without walking the rest of the microledger (spec §4.3). It
// returns nil on success; the valid proof data it collects is used only to
// evaluate prev's update rules and is not returned.
func VerifyNonRecursive(d *Document, prev *Document) error {
	if err := canonical.VerifySelfHash(d.HashFunction, d); err != nil {
		return err
	}

	if prev == nil {
		if d.VersionID != 0 {
			return webplus.E(webplus.InvalidDIDDocument, "document.VerifyNonRecursive", fmt.Errorf("root document must have versionId 0, got %d", d.VersionID))
		}
		if d.PrevDIDDocumentSelfHash != "" {
			return webplus.E(webplus.InvalidDIDDocument, "document.VerifyNonRecursive", fmt.Errorf("root document must not have a predecessor"))
		}
		if d.ValidFrom.Time.Before(unixEpoch) {
			return webplus.E(webplus.InvalidDIDDocument, "document.VerifyNonRecursive", fmt.Errorf("validFrom %s is before the Unix epoch", d.ValidFrom.Time))
		}
		for _, vm := range d.PublicKeyMaterial.VerificationMethod {
			if vm.Controller.RootSelfHash != d.ID.RootSelfHash {
				return webplus.E(webplus.InvalidDIDDocument, "document.VerifyNonRecursive", fmt.Errorf("verification method controller self-hash does not match the DID's root self-hash"))
			}
		}
	} else {
		if d.VersionID != prev.VersionID+1 {
			return webplus.E(webplus.InvalidDIDDocument, "document.VerifyNonRecursive", fmt.Errorf("versionId must be prev+1: want %d, got %d", prev.VersionID+1, d.VersionID))
		}
		if !d.ValidFrom.Time.After(prev.ValidFrom.Time) {
			return webplus.E(webplus.InvalidDIDDocument, "document.VerifyNonRecursive", fmt.Errorf("validFrom must strictly increase"))
		}
		if d.PrevDIDDocumentSelfHash != prev.SelfHash {
			return webplus.E(webplus.InvalidDIDDocument, "document.VerifyNonRecursive", fmt.Errorf("prevDIDDocumentSelfHash does not match predecessor's selfHash"))
		}
		if d.ID.String() != prev.ID.String() {
			return webplus.E(webplus.InvalidDIDDocument, "document.VerifyNonRecursive", fmt.Errorf("DID identity does not match predecessor"))
		}
	}

	valid, err := verifyProofs(d)
	if err != nil {
		return err
	}

	if prev != nil {
		if err := prev.UpdateRules.VerifyRules(valid); err != nil {
			return err
		}
	}
	return nil
}

// verifyProofs verifies each of d.Proofs against d's bytes-to-sign,
// collecting the public keys of the ones that check out. A proof that
// fails to verify (tampered signature, unknown alg) simply contributes no
// valid proof data — it is the subsequent update-rule evaluation against a
// possibly-diminished set that turns a tampered proof into an
// InvalidDIDUpdateOperation (spec §8 S2), not a hard parse error here.
func verifyProofs(d *Document) ([]updaterules.ValidProofData, error) {
	toSign, err := BytesToSign(d, d.HashFunction)
	if err != nil {
		return nil, err
	}

	resolve := func(kid string) (keys.PublicKey, error) {
		return keys.DecodeMultibase(kid)
	}

	var valid []updaterules.ValidProofData
	for _, compact := range d.Proofs {
		_, pub, err := jws.Verify(jws.VerifyOptions{
			Compact:         compact,
			DetachedPayload: toSign,
			Resolve:         resolve,
		})
		if err != nil {
			continue
		}
		valid = append(valid, updaterules.ValidProofData{PubKey: pub})
	}
	return valid, nil
}
