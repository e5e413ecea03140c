// Package microledger implements the ordered, hash-linked sequence of DID
// documents for a single DID (spec §3 "Microledger", §4.5) plus the
// metadata derivation it enables: created/next-update/currency views over
// an arbitrary document in the sequence.
package microledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// Node wraps a validated document with its cumulative position in the
// append-only JSONL stream (spec §4.6, §6: "didDocumentsJsonlOctetLength"),
// keeping "a document plus its derived per-node bookkeeping" distinct
// from the document itself.
type Node struct {
	Document             *document.Document
	CanonicalJSON         []byte
	JSONLCumulativeOctets int64
}

// Microledger is the root document plus the ordered sequence of its
// successors, with indexes by self-hash and valid-from timestamp (spec
// §3). VersionId lookups are a direct slice index, so no separate index is
// kept for them.
type Microledger struct {
	mu          sync.RWMutex
	nodes       []Node // nodes[i].Document.VersionID == int64(i)
	bySelfHash  map[string]int
	byValidFrom []int // parallel to nodes, sorted by ValidFrom (== nodes order, since validFrom is strictly increasing)
}

// New creates a Microledger from an already-finalized, already-verified
// root document (spec: "created on root ingestion").
func New(root *document.Document, canonicalJSON []byte) (*Microledger, error) {
	if !root.IsRoot() {
		return nil, webplus.E(webplus.InvalidDIDDocument, "microledger.New", fmt.Errorf("document is not a root document"))
	}
	m := &Microledger{
		bySelfHash: make(map[string]int),
	}
	m.appendLocked(root, canonicalJSON)
	return m, nil
}

func (m *Microledger) appendLocked(d *document.Document, canonicalJSON []byte) {
	offset := int64(0)
	if len(m.nodes) > 0 {
		offset = m.nodes[len(m.nodes)-1].JSONLCumulativeOctets
	}
	offset += int64(len(canonicalJSON)) + 1 // +1 for the JSONL newline
	m.nodes = append(m.nodes, Node{Document: d, CanonicalJSON: canonicalJSON, JSONLCumulativeOctets: offset})
	m.bySelfHash[d.SelfHash] = len(m.nodes) - 1
	m.byValidFrom = append(m.byValidFrom, len(m.nodes)-1)
}

// DID returns the DID all documents in this microledger share.
func (m *Microledger) DID() did.DID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[0].Document.ID
}

// Height is the number of documents in the microledger.
func (m *Microledger) Height() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Root returns the first node.
func (m *Microledger) Root() Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[0]
}

// Latest returns the last node.
func (m *Microledger) Latest() Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[len(m.nodes)-1]
}

// ByVersionID looks up the node at the given versionId.
func (m *Microledger) ByVersionID(versionID int64) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if versionID < 0 || int(versionID) >= len(m.nodes) {
		return Node{}, webplus.E(webplus.NotFound, "microledger.ByVersionID", fmt.Errorf("no document with versionId %d", versionID))
	}
	return m.nodes[versionID], nil
}

// BySelfHash looks up the node with the given self-hash.
func (m *Microledger) BySelfHash(selfHash string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.bySelfHash[selfHash]
	if !ok {
		return Node{}, webplus.E(webplus.NotFound, "microledger.BySelfHash", fmt.Errorf("no document with selfHash %q", selfHash))
	}
	return m.nodes[idx], nil
}

// AtOrBeforeTime returns the last node whose ValidFrom is <= t (spec §4.5:
// "first document whose validFrom ≤ t" reading the sequence from the
// latest end backward).
func (m *Microledger) AtOrBeforeTime(t document.Time) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.nodes), func(i int) bool {
		return m.nodes[i].Document.ValidFrom.Time.After(t.Time)
	})
	if i == 0 {
		return Node{}, webplus.E(webplus.NotFound, "microledger.AtOrBeforeTime", fmt.Errorf("no document valid at or before %s", t.Time))
	}
	return m.nodes[i-1], nil
}

// Range returns nodes with versionId in [from, to] inclusive. A negative
// `to` means "through the latest."
func (m *Microledger) Range(from, to int64) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from < 0 || int(from) >= len(m.nodes) {
		return nil, webplus.E(webplus.NotFound, "microledger.Range", fmt.Errorf("no document with versionId %d", from))
	}
	if to < 0 || int(to) >= len(m.nodes) {
		to = int64(len(m.nodes) - 1)
	}
	if to < from {
		return nil, nil
	}
	out := make([]Node, to-from+1)
	copy(out, m.nodes[from:to+1])
	return out, nil
}

// Append validates newDoc against the current latest document and, on
// success, extends the microledger (spec §4.10 "document insertion":
// Absent -> Present, never removed).
func (m *Microledger) Append(newDoc *document.Document, canonicalJSON []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.nodes[len(m.nodes)-1].Document
	if newDoc.VersionID <= latest.VersionID {
		return webplus.E(webplus.AlreadyExists, "microledger.Append", fmt.Errorf("versionId %d already present (latest is %d)", newDoc.VersionID, latest.VersionID))
	}
	if err := document.VerifyNonRecursive(newDoc, latest); err != nil {
		return err
	}
	m.appendLocked(newDoc, canonicalJSON)
	return nil
}

// DocumentMetadata is the derivable metadata for a document within this
// microledger (spec §4.5): a constant part (created), an idempotent part
// that is fixed once a successor exists, and a currency part that tracks
// the latest document.
type DocumentMetadata struct {
	Created             document.Time
	NextUpdate          *document.Time
	NextVersionID       *int64
	MostRecentUpdate    document.Time
	MostRecentVersionID int64
}

// Metadata derives the three metadata classes of spec §4.5 for the
// document at versionID.
func (m *Microledger) Metadata(versionID int64) (DocumentMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if versionID < 0 || int(versionID) >= len(m.nodes) {
		return DocumentMetadata{}, webplus.E(webplus.NotFound, "microledger.Metadata", fmt.Errorf("no document with versionId %d", versionID))
	}
	latest := m.nodes[len(m.nodes)-1].Document
	md := DocumentMetadata{
		Created:             m.nodes[0].Document.ValidFrom,
		MostRecentUpdate:     latest.ValidFrom,
		MostRecentVersionID: latest.VersionID,
	}
	if int(versionID) < len(m.nodes)-1 {
		next := m.nodes[versionID+1].Document
		nextUpdate := next.ValidFrom
		nextVersionID := next.VersionID
		md.NextUpdate = &nextUpdate
		md.NextVersionID = &nextVersionID
	}
	return md, nil
}
