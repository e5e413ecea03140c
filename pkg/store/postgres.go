package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// Postgres is a durable SQL-based KV implementation over the did_documents
// table (spec §6), grounded on the same interface-plus-concrete-adapter
// split the receipt store uses. It does not itself take a per-DID lock:
// the unique index on (did, version_id) is the source of truth for
// ordering, and ValidateAndAddDidDoc relies on the database to reject a
// concurrent duplicate insert rather than serializing in-process.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-opened *sql.DB (driver "postgres").
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Schema is the DDL for the did_documents table (spec §6). Callers run
// migrations themselves; this is provided as the canonical shape.
const Schema = `
CREATE TABLE IF NOT EXISTS did_documents (
	did                             TEXT    NOT NULL,
	self_hash                       TEXT    NOT NULL,
	version_id                      BIGINT  NOT NULL,
	valid_from                      TIMESTAMPTZ NOT NULL,
	did_documents_jsonl_octet_length BIGINT NOT NULL,
	did_document_jcs                BYTEA   NOT NULL,
	UNIQUE (did, version_id),
	UNIQUE (did, self_hash)
);
CREATE INDEX IF NOT EXISTS did_documents_valid_from_idx ON did_documents (did, valid_from);
`

func (s *Postgres) insert(ctx context.Context, rec DidDocRecord) error {
	query := `
		INSERT INTO did_documents
			(did, self_hash, version_id, valid_from, did_documents_jsonl_octet_length, did_document_jcs)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (did, version_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.DID, rec.SelfHash, rec.VersionID, rec.ValidFrom.Time,
		rec.DidDocumentsJsonlOctetLength, rec.DidDocumentJCS,
	)
	if err != nil {
		return fmt.Errorf("insert did_documents row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert did_documents row: %w", err)
	}
	if n == 0 {
		return webplus.E(webplus.AlreadyExists, "store.Postgres.insert",
			fmt.Errorf("did %q already has versionId %d", rec.DID, rec.VersionID))
	}
	return nil
}

func (s *Postgres) AddDidDocument(ctx context.Context, rec DidDocRecord) error {
	if rec.DidDocumentsJsonlOctetLength == 0 {
		prevOffset := int64(0)
		prev, err := s.GetLatestKnownDidDocRecord(ctx, rec.DID)
		if err == nil {
			prevOffset = prev.DidDocumentsJsonlOctetLength
		} else if webplus.KindOf(err) != webplus.NotFound {
			return err
		}
		rec.DidDocumentsJsonlOctetLength = prevOffset + int64(len(rec.DidDocumentJCS)) + 1
	}
	return s.insert(ctx, rec)
}

func (s *Postgres) AddDidDocuments(ctx context.Context, recs []DidDocRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		query := `
			INSERT INTO did_documents
				(did, self_hash, version_id, valid_from, did_documents_jsonl_octet_length, did_document_jcs)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		if _, err := tx.ExecContext(ctx, query,
			rec.DID, rec.SelfHash, rec.VersionID, rec.ValidFrom.Time,
			rec.DidDocumentsJsonlOctetLength, rec.DidDocumentJCS,
		); err != nil {
			return fmt.Errorf("insert did_documents row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Postgres) queryOne(ctx context.Context, query string, args ...any) (DidDocRecord, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var rec DidDocRecord
	err := row.Scan(&rec.DID, &rec.SelfHash, &rec.VersionID, &rec.ValidFrom.Time,
		&rec.DidDocumentsJsonlOctetLength, &rec.DidDocumentJCS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DidDocRecord{}, webplus.E(webplus.NotFound, "store.Postgres.queryOne", err)
		}
		return DidDocRecord{}, err
	}
	return rec, nil
}

func (s *Postgres) GetDidDocRecordWithSelfHash(ctx context.Context, did, selfHash string) (DidDocRecord, error) {
	query := `
		SELECT did, self_hash, version_id, valid_from, did_documents_jsonl_octet_length, did_document_jcs
		FROM did_documents
		WHERE did = $1 AND self_hash = $2
	`
	return s.queryOne(ctx, query, did, selfHash)
}

func (s *Postgres) GetDidDocRecordWithVersionID(ctx context.Context, did string, versionID int64) (DidDocRecord, error) {
	query := `
		SELECT did, self_hash, version_id, valid_from, did_documents_jsonl_octet_length, did_document_jcs
		FROM did_documents
		WHERE did = $1 AND version_id = $2
	`
	return s.queryOne(ctx, query, did, versionID)
}

func (s *Postgres) GetLatestKnownDidDocRecord(ctx context.Context, did string) (DidDocRecord, error) {
	query := `
		SELECT did, self_hash, version_id, valid_from, did_documents_jsonl_octet_length, did_document_jcs
		FROM did_documents
		WHERE did = $1
		ORDER BY version_id DESC
		LIMIT 1
	`
	return s.queryOne(ctx, query, did)
}

func (s *Postgres) GetDidDocRecords(ctx context.Context, filter Filter) ([]DidDocRecord, error) {
	query := `
		SELECT did, self_hash, version_id, valid_from, did_documents_jsonl_octet_length, did_document_jcs
		FROM did_documents
	`
	args := []any{}
	if filter.DID != "" {
		query += " WHERE did = $1"
		args = append(args, filter.DID)
	}
	query += " ORDER BY did, version_id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DidDocRecord
	for rows.Next() {
		var rec DidDocRecord
		if err := rows.Scan(&rec.DID, &rec.SelfHash, &rec.VersionID, &rec.ValidFrom.Time,
			&rec.DidDocumentsJsonlOctetLength, &rec.DidDocumentJCS); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) GetDidDocRecordsForJsonlRange(ctx context.Context, did string, begin, end *int64) ([]DidDocRecord, error) {
	query := `
		SELECT did, self_hash, version_id, valid_from, did_documents_jsonl_octet_length, did_document_jcs
		FROM did_documents
		WHERE did = $1
	`
	args := []any{did}
	if begin != nil {
		args = append(args, *begin)
		query += fmt.Sprintf(" AND did_documents_jsonl_octet_length > $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(" AND did_documents_jsonl_octet_length - length(did_document_jcs) - 1 < $%d", len(args))
	}
	query += " ORDER BY version_id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DidDocRecord
	for rows.Next() {
		var rec DidDocRecord
		if err := rows.Scan(&rec.DID, &rec.SelfHash, &rec.VersionID, &rec.ValidFrom.Time,
			&rec.DidDocumentsJsonlOctetLength, &rec.DidDocumentJCS); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) ValidateAndAddDidDoc(ctx context.Context, newDoc *document.Document, prevDoc *document.Document, canonicalJSON []byte) error {
	if err := document.VerifyNonRecursive(newDoc, prevDoc); err != nil {
		return err
	}
	prevOffset := int64(0)
	if prevDoc != nil {
		prev, err := s.GetDidDocRecordWithSelfHash(ctx, newDoc.ID.String(), prevDoc.SelfHash)
		if err != nil {
			return err
		}
		prevOffset = prev.DidDocumentsJsonlOctetLength
	}
	return s.insert(ctx, DidDocRecord{
		DID:                          newDoc.ID.String(),
		SelfHash:                     newDoc.SelfHash,
		VersionID:                    newDoc.VersionID,
		ValidFrom:                    newDoc.ValidFrom,
		DidDocumentsJsonlOctetLength: prevOffset + int64(len(canonicalJSON)) + 1,
		DidDocumentJCS:               canonicalJSON,
	})
}

var _ KV = (*Postgres)(nil)
