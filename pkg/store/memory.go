package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// perDID holds one DID's records plus its lookup indexes. Records are kept
// sorted by VersionID; VersionID doubles as a slice index since documents
// are append-only and contiguous from 0.
type perDID struct {
	records     []DidDocRecord
	bySelfHash  map[string]int
	lastOffset  int64
}

// Memory is an in-memory KV backed by a map keyed on DID string, each
// guarded independently so unrelated DIDs never contend (spec §5: updates
// to different DIDs must not serialize against each other). It is the
// default, tested store implementation.
type Memory struct {
	mu   sync.Mutex // guards the dids map and per-DID mutex creation
	dids map[string]*didState
}

type didState struct {
	mu   sync.Mutex
	data perDID
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{dids: make(map[string]*didState)}
}

func (m *Memory) stateFor(did string) *didState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.dids[did]
	if !ok {
		st = &didState{data: perDID{bySelfHash: make(map[string]int)}}
		m.dids[did] = st
	}
	return st
}

func (m *Memory) stateForRead(did string) (*didState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.dids[did]
	return st, ok
}

func (m *Memory) AddDidDocument(ctx context.Context, rec DidDocRecord) error {
	st := m.stateFor(rec.DID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return appendLocked(&st.data, rec)
}

func appendLocked(d *perDID, rec DidDocRecord) error {
	if int(rec.VersionID) != len(d.records) {
		return webplus.E(webplus.AlreadyExists, "store.Memory.AddDidDocument",
			fmt.Errorf("versionId %d out of order (have %d records)", rec.VersionID, len(d.records)))
	}
	if rec.DidDocumentsJsonlOctetLength == 0 {
		rec.DidDocumentsJsonlOctetLength = d.lastOffset + int64(len(rec.DidDocumentJCS)) + 1
	}
	d.lastOffset = rec.DidDocumentsJsonlOctetLength
	d.bySelfHash[rec.SelfHash] = len(d.records)
	d.records = append(d.records, rec)
	return nil
}

func (m *Memory) AddDidDocuments(ctx context.Context, recs []DidDocRecord) error {
	for _, rec := range recs {
		if err := m.AddDidDocument(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) GetDidDocRecordWithSelfHash(ctx context.Context, did, selfHash string) (DidDocRecord, error) {
	st, ok := m.stateForRead(did)
	if !ok {
		return DidDocRecord{}, webplus.E(webplus.NotFound, "store.Memory.GetDidDocRecordWithSelfHash", fmt.Errorf("unknown did %q", did))
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	idx, ok := st.data.bySelfHash[selfHash]
	if !ok {
		return DidDocRecord{}, webplus.E(webplus.NotFound, "store.Memory.GetDidDocRecordWithSelfHash", fmt.Errorf("no document with selfHash %q", selfHash))
	}
	return st.data.records[idx], nil
}

func (m *Memory) GetDidDocRecordWithVersionID(ctx context.Context, did string, versionID int64) (DidDocRecord, error) {
	st, ok := m.stateForRead(did)
	if !ok {
		return DidDocRecord{}, webplus.E(webplus.NotFound, "store.Memory.GetDidDocRecordWithVersionID", fmt.Errorf("unknown did %q", did))
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if versionID < 0 || int(versionID) >= len(st.data.records) {
		return DidDocRecord{}, webplus.E(webplus.NotFound, "store.Memory.GetDidDocRecordWithVersionID", fmt.Errorf("no document with versionId %d", versionID))
	}
	return st.data.records[versionID], nil
}

func (m *Memory) GetLatestKnownDidDocRecord(ctx context.Context, did string) (DidDocRecord, error) {
	st, ok := m.stateForRead(did)
	if !ok {
		return DidDocRecord{}, webplus.E(webplus.NotFound, "store.Memory.GetLatestKnownDidDocRecord", fmt.Errorf("unknown did %q", did))
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.data.records) == 0 {
		return DidDocRecord{}, webplus.E(webplus.NotFound, "store.Memory.GetLatestKnownDidDocRecord", fmt.Errorf("no documents for did %q", did))
	}
	return st.data.records[len(st.data.records)-1], nil
}

func (m *Memory) GetDidDocRecords(ctx context.Context, filter Filter) ([]DidDocRecord, error) {
	if filter.DID != "" {
		st, ok := m.stateForRead(filter.DID)
		if !ok {
			return nil, nil
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		out := make([]DidDocRecord, len(st.data.records))
		copy(out, st.data.records)
		return out, nil
	}
	m.mu.Lock()
	dids := make([]string, 0, len(m.dids))
	for k := range m.dids {
		dids = append(dids, k)
	}
	m.mu.Unlock()
	sort.Strings(dids)
	var out []DidDocRecord
	for _, k := range dids {
		st, _ := m.stateForRead(k)
		st.mu.Lock()
		out = append(out, st.data.records...)
		st.mu.Unlock()
	}
	return out, nil
}

func (m *Memory) GetDidDocRecordsForJsonlRange(ctx context.Context, did string, begin, end *int64) ([]DidDocRecord, error) {
	st, ok := m.stateForRead(did)
	if !ok {
		return nil, webplus.E(webplus.NotFound, "store.Memory.GetDidDocRecordsForJsonlRange", fmt.Errorf("unknown did %q", did))
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []DidDocRecord
	prevOffset := int64(0)
	for _, rec := range st.data.records {
		recStart := prevOffset
		recEnd := rec.DidDocumentsJsonlOctetLength
		prevOffset = recEnd
		if begin != nil && recEnd <= *begin {
			continue
		}
		if end != nil && recStart >= *end {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) ValidateAndAddDidDoc(ctx context.Context, newDoc *document.Document, prevDoc *document.Document, canonicalJSON []byte) error {
	st := m.stateFor(newDoc.ID.String())
	st.mu.Lock()
	defer st.mu.Unlock()

	if int(newDoc.VersionID) < len(st.data.records) {
		return webplus.E(webplus.AlreadyExists, "store.Memory.ValidateAndAddDidDoc",
			fmt.Errorf("versionId %d already present", newDoc.VersionID))
	}
	if err := document.VerifyNonRecursive(newDoc, prevDoc); err != nil {
		return err
	}
	return appendLocked(&st.data, DidDocRecord{
		DID:            newDoc.ID.String(),
		SelfHash:       newDoc.SelfHash,
		VersionID:      newDoc.VersionID,
		ValidFrom:      newDoc.ValidFrom,
		DidDocumentJCS: canonicalJSON,
	})
}

var _ KV = (*Memory)(nil)
