// Package store implements the document-store surface spec §4.6 and the
// persisted-state layout of §6: a transactional key-value surface over
// did_documents rows, with an append-only JSONL octet-offset index. The
// default, tested path is the in-memory implementation in memory.go;
// concrete backends (Postgres) are optional adapters behind the same KV
// interface (spec.md Non-goals: concrete storage backends are external
// collaborators, not required by this spec).
package store

import (
	"context"

	"github.com/webplusdid/webplus/pkg/document"
)

// DidDocRecord is one row of the did_documents table (spec §6).
type DidDocRecord struct {
	DID                          string
	SelfHash                     string
	VersionID                    int64
	ValidFrom                    document.Time
	DidDocumentsJsonlOctetLength int64
	DidDocumentJCS               []byte
}

// Filter selects a subset of records for GetDidDocRecords. An empty DID
// matches every DID known to the store.
type Filter struct {
	DID string
}

// KV is the document-store surface spec §4.6 names. Every method that may
// do I/O takes a context so callers can cancel or time out (spec §5).
type KV interface {
	// AddDidDocument inserts a single record, stamping
	// DidDocumentsJsonlOctetLength from the store's running per-DID
	// cumulative offset (spec §4.6).
	AddDidDocument(ctx context.Context, rec DidDocRecord) error
	// AddDidDocuments bulk-inserts, preserving slice order.
	AddDidDocuments(ctx context.Context, recs []DidDocRecord) error
	GetDidDocRecordWithSelfHash(ctx context.Context, did, selfHash string) (DidDocRecord, error)
	GetDidDocRecordWithVersionID(ctx context.Context, did string, versionID int64) (DidDocRecord, error)
	GetLatestKnownDidDocRecord(ctx context.Context, did string) (DidDocRecord, error)
	GetDidDocRecords(ctx context.Context, filter Filter) ([]DidDocRecord, error)
	// GetDidDocRecordsForJsonlRange returns records whose cumulative JSONL
	// byte ranges overlap [begin, end). A nil begin means "from the
	// start"; a nil end means "to the end."
	GetDidDocRecordsForJsonlRange(ctx context.Context, did string, begin, end *int64) ([]DidDocRecord, error)
	// ValidateAndAddDidDoc runs document.VerifyNonRecursive (spec §4.3)
	// against prevDoc (nil for a root document) before inserting newDoc.
	// It fails with webplus.AlreadyExists on a duplicate versionId and
	// webplus.InvalidDIDDocument / webplus.InvalidDIDUpdateOperation on an
	// invariant violation. Per-DID, this serializes with any other
	// in-flight call for the same DID (spec §5 "the simplest correct
	// implementation takes a per-DID write lock").
	ValidateAndAddDidDoc(ctx context.Context, newDoc *document.Document, prevDoc *document.Document, canonicalJSON []byte) error
}
