// Package canonical implements RFC 8785 JSON canonicalization and the
// multi-slot self-hash fix-point protocol (spec §4.1): a document's
// identity is partly a hash of itself, which can only be computed by
// substituting a placeholder, serializing, hashing, then substituting the
// real hash and serializing again. Never try to do this in one pass.
package canonical

import (
	"encoding/json"

	"github.com/gowebpki/jcs"

	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// Marshal produces the canonical JSON form of v: standard encoding/json
// marshaling (so struct tags are honored) followed by RFC 8785
// transformation (key sorting, canonical number form, no insignificant
// whitespace). This is the only function in this module that should be
// used to produce bytes that will be hashed or signed — encoding/json's
// incidental key-sorting is not a canonicalization guarantee on its own.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, webplus.E(webplus.Malformed, "canonical.Marshal", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, webplus.E(webplus.Malformed, "canonical.Marshal", err)
	}
	return out, nil
}

// Placeholder is the placeholder value substituted into a self-hash slot
// during the first pass of the fix-point protocol. It is its own named
// type, giving the "make N placeholder bytes" logic a dedicated home
// rather than inlining it at every call site — self-hashing is easy to
// get subtly wrong by inlining it differently in two places.
type Placeholder string

// NewPlaceholder returns the placeholder string for hash function fn: a
// multibase/multicodec encoded value with the same byte length a real
// Sum(fn, ...) would produce.
func NewPlaceholder(fn multihash.Function) (Placeholder, error) {
	s, err := multihash.Placeholder(fn)
	if err != nil {
		return "", err
	}
	return Placeholder(s), nil
}

// SelfHashable is implemented by any document type that carries one or
// more self-hash slots. Slots returns pointers to every string field that
// must hold the same self-hash value once the document is finalized (for
// a root DID document: the id's root-hash position, the selfHash field,
// and every verification method's id/controller self-hash; for a
// non-root document: only the selfHash field).
type SelfHashable interface {
	SelfHashSlots() []*string
}

// ComputeSelfHash runs the fix-point protocol against d using hash
// function fn and returns the resulting hash value (also already written
// into every slot) and the final canonical serialization. Callers that
// need the canonical bytes for anything other than re-deriving the hash
// (e.g. persisting or transmitting the document) should use the returned
// bytes, since calling Marshal again afterward is equivalent but wasteful.
func ComputeSelfHash(fn multihash.Function, d SelfHashable) (string, []byte, error) {
	placeholder, err := NewPlaceholder(fn)
	if err != nil {
		return "", nil, err
	}
	setSlots(d, string(placeholder))

	preimage, err := Marshal(d)
	if err != nil {
		return "", nil, err
	}
	hash, err := multihash.Sum(fn, preimage)
	if err != nil {
		return "", nil, err
	}

	setSlots(d, hash)
	final, err := Marshal(d)
	if err != nil {
		return "", nil, err
	}
	return hash, final, nil
}

// VerifySelfHash checks the fix-point invariant against an already
// finalized document: every self-hash slot must currently hold the same
// value, and re-deriving the hash from the placeholdered form must
// reproduce it. It restores d's slots to their original values before
// returning, regardless of outcome.
func VerifySelfHash(fn multihash.Function, d SelfHashable) error {
	slots := d.SelfHashSlots()
	if len(slots) == 0 {
		return webplus.E(webplus.InvalidDIDDocument, "canonical.VerifySelfHash", errNoSlots)
	}
	want := *slots[0]
	for _, s := range slots {
		if *s != want {
			return webplus.E(webplus.InvalidDIDDocument, "canonical.VerifySelfHash", errSlotMismatch)
		}
	}

	original := make([]string, len(slots))
	for i, s := range slots {
		original[i] = *s
	}
	defer func() {
		for i, s := range slots {
			*s = original[i]
		}
	}()

	placeholder, err := NewPlaceholder(fn)
	if err != nil {
		return err
	}
	setSlots(d, string(placeholder))
	preimage, err := Marshal(d)
	if err != nil {
		return err
	}
	got, err := multihash.Sum(fn, preimage)
	if err != nil {
		return err
	}
	if got != want {
		return webplus.E(webplus.InvalidDIDDocument, "canonical.VerifySelfHash", errSelfHashMismatch)
	}
	return nil
}

func setSlots(d SelfHashable, v string) {
	for _, s := range d.SelfHashSlots() {
		*s = v
	}
}
