package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// SQLiteStore is a durable Store backed by modernc.org/sqlite: a
// pure-Go driver, so a wallet CLI can persist key material without a
// cgo build, unlike the VDR's Postgres adapter which talks to a
// separately-run server (spec §6 "wallets", "priv_keys",
// "priv_key_usages", and their provisional twins for §4.9).
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteSchema is the DDL for the wallet's durable tables: the canonical
// did_documents/priv_keys/priv_key_usages triple plus a provisional twin
// of each (spec §6 "Provisional twins of did_documents, priv_keys,
// priv_key_usages for §4.9"). Callers run migrations themselves; this is
// provided as the canonical shape.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS did_documents (
	did                TEXT    NOT NULL,
	self_hash          TEXT    NOT NULL,
	version_id         INTEGER NOT NULL,
	valid_from         DATETIME NOT NULL,
	did_document_jcs   BLOB    NOT NULL,
	PRIMARY KEY (did, version_id)
);
CREATE TABLE IF NOT EXISTS priv_keys (
	kid        TEXT NOT NULL,
	did        TEXT NOT NULL,
	codec      TEXT NOT NULL,
	priv_bytes BLOB NOT NULL,
	deleted_at DATETIME,
	PRIMARY KEY (did, kid)
);
CREATE TABLE IF NOT EXISTS priv_key_usages (
	kid        TEXT NOT NULL,
	did        TEXT NOT NULL,
	version_id INTEGER NOT NULL,
	used_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS priv_key_usages_did_idx ON priv_key_usages (did);

CREATE TABLE IF NOT EXISTS did_documents_provisional (
	did              TEXT NOT NULL PRIMARY KEY,
	self_hash        TEXT NOT NULL,
	version_id       INTEGER NOT NULL,
	valid_from       DATETIME NOT NULL,
	did_document_jcs BLOB NOT NULL,
	created_at       DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS priv_keys_provisional (
	kid        TEXT NOT NULL,
	did        TEXT NOT NULL,
	codec      TEXT NOT NULL,
	priv_bytes BLOB NOT NULL,
	PRIMARY KEY (did, kid)
);
CREATE TABLE IF NOT EXISTS priv_key_usages_provisional (
	kid        TEXT NOT NULL,
	did        TEXT NOT NULL,
	version_id INTEGER NOT NULL,
	used_at    DATETIME NOT NULL
);
`

// ProvisionalWrite is the durable state Phase 1 of the wallet protocol
// (spec §4.9 step 1) records, in a single local transaction, before the
// wallet submits its HTTP call to the VDR.
type ProvisionalWrite struct {
	DID           string
	CanonicalJSON []byte
	SelfHash      string
	VersionID     int64
	ValidFrom     time.Time
	Keys          []*PrivKeyRecord
	Usage         PrivKeyUsage
	CreatedAt     time.Time
}

// OpenSQLiteStore opens (creating if necessary) a SQLiteStore at path,
// applying SQLiteSchema. Use ":memory:" for an ephemeral, test-only
// store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, webplus.E(webplus.StorageError, "wallet.OpenSQLiteStore", err)
	}
	if _, err := db.Exec(SQLiteSchema); err != nil {
		_ = db.Close()
		return nil, webplus.E(webplus.StorageError, "wallet.OpenSQLiteStore", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an already-opened *sql.DB (driver "sqlite"),
// applying SQLiteSchema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(SQLiteSchema); err != nil {
		return nil, webplus.E(webplus.StorageError, "wallet.NewSQLiteStore", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveProvisional durably records a not-yet-confirmed document plus its
// associated keys and usage row (spec §4.9 step 1: "in a single local
// transaction, insert the new document and the freshly generated private
// keys into 'provisional' tables"). At most one provisional write is kept
// per DID, matching Wallet's in-memory invariant.
func (s *SQLiteStore) SaveProvisional(ctx context.Context, p ProvisionalWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveProvisional", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO did_documents_provisional (did, self_hash, version_id, valid_from, did_document_jcs, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (did) DO UPDATE SET
			self_hash = excluded.self_hash, version_id = excluded.version_id,
			valid_from = excluded.valid_from, did_document_jcs = excluded.did_document_jcs,
			created_at = excluded.created_at
	`, p.DID, p.SelfHash, p.VersionID, p.ValidFrom, p.CanonicalJSON, p.CreatedAt); err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveProvisional", err)
	}

	for _, rec := range p.Keys {
		marshaler, ok := rec.Signer.(keys.PrivateMarshaler)
		if !ok {
			return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveProvisional",
				fmt.Errorf("signer for kid %q does not support private-key marshaling", rec.KID))
		}
		codec, raw, err := marshaler.MarshalPrivate()
		if err != nil {
			return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveProvisional", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO priv_keys_provisional (kid, did, codec, priv_bytes)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (did, kid) DO UPDATE SET codec = excluded.codec, priv_bytes = excluded.priv_bytes
		`, rec.KID, rec.DID, string(codec), raw); err != nil {
			return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveProvisional", err)
		}
	}

	if p.Usage.KID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO priv_key_usages_provisional (kid, did, version_id, used_at) VALUES (?, ?, ?, ?)
		`, p.Usage.KID, p.Usage.DID, p.Usage.VersionID, p.Usage.UsedAt); err != nil {
			return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveProvisional", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveProvisional", err)
	}
	return nil
}

// CommitProvisional is Phase 2a (spec §4.9 step 3): in a second local
// transaction, move the provisional rows for didStr to their canonical
// tables, then delete the provisional rows.
func (s *SQLiteStore) CommitProvisional(ctx context.Context, didStr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT self_hash, version_id, valid_from, did_document_jcs
		FROM did_documents_provisional WHERE did = ?
	`, didStr)
	var selfHash string
	var versionID int64
	var validFrom time.Time
	var docJCS []byte
	if err := row.Scan(&selfHash, &versionID, &validFrom, &docJCS); err != nil {
		if err == sql.ErrNoRows {
			return webplus.E(webplus.NotFound, "wallet.SQLiteStore.CommitProvisional",
				fmt.Errorf("no provisional document for %s", didStr))
		}
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO did_documents (did, self_hash, version_id, valid_from, did_document_jcs)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (did, version_id) DO NOTHING
	`, didStr, selfHash, versionID, validFrom, docJCS); err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
	}

	keyRows, err := tx.QueryContext(ctx, `SELECT kid, codec, priv_bytes FROM priv_keys_provisional WHERE did = ?`, didStr)
	if err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
	}
	type provKey struct {
		kid, codec string
		raw        []byte
	}
	var provKeys []provKey
	for keyRows.Next() {
		var pk provKey
		if err := keyRows.Scan(&pk.kid, &pk.codec, &pk.raw); err != nil {
			_ = keyRows.Close()
			return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
		}
		provKeys = append(provKeys, pk)
	}
	_ = keyRows.Close()
	for _, pk := range provKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO priv_keys (kid, did, codec, priv_bytes, deleted_at)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT (did, kid) DO UPDATE SET codec = excluded.codec, priv_bytes = excluded.priv_bytes
		`, pk.kid, didStr, pk.codec, pk.raw); err != nil {
			return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
		}
	}

	usageRows, err := tx.QueryContext(ctx, `SELECT kid, version_id, used_at FROM priv_key_usages_provisional WHERE did = ?`, didStr)
	if err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
	}
	type provUsage struct {
		kid       string
		versionID int64
		usedAt    time.Time
	}
	var provUsages []provUsage
	for usageRows.Next() {
		var u provUsage
		if err := usageRows.Scan(&u.kid, &u.versionID, &u.usedAt); err != nil {
			_ = usageRows.Close()
			return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
		}
		provUsages = append(provUsages, u)
	}
	_ = usageRows.Close()
	for _, u := range provUsages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO priv_key_usages (kid, did, version_id, used_at) VALUES (?, ?, ?, ?)
		`, u.kid, didStr, u.versionID, u.usedAt); err != nil {
			return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
		}
	}

	if err := deleteProvisionalRows(ctx, tx, didStr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.CommitProvisional", err)
	}
	return nil
}

// DiscardProvisional is Phase 2b (spec §4.9 step 4): delete the
// provisional rows for didStr without promoting them.
func (s *SQLiteStore) DiscardProvisional(ctx context.Context, didStr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.DiscardProvisional", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteProvisionalRows(ctx, tx, didStr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.DiscardProvisional", err)
	}
	return nil
}

func deleteProvisionalRows(ctx context.Context, tx *sql.Tx, didStr string) error {
	for _, table := range []string{"did_documents_provisional", "priv_keys_provisional", "priv_key_usages_provisional"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE did = ?`, didStr); err != nil {
			return webplus.E(webplus.StorageError, "wallet.deleteProvisionalRows", err)
		}
	}
	return nil
}

// SweepOrphanedProvisional finds provisional documents older than
// olderThan and discards them (spec §5 "Cancellation and timeouts":
// "provisional rows are orphaned and should be reaped by a background
// sweep older than a configurable threshold"). It returns the DIDs it
// reaped.
func (s *SQLiteStore) SweepOrphanedProvisional(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `SELECT did FROM did_documents_provisional WHERE created_at < ?`, cutoff)
	if err != nil {
		return nil, webplus.E(webplus.StorageError, "wallet.SQLiteStore.SweepOrphanedProvisional", err)
	}
	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			_ = rows.Close()
			return nil, webplus.E(webplus.StorageError, "wallet.SQLiteStore.SweepOrphanedProvisional", err)
		}
		dids = append(dids, did)
	}
	_ = rows.Close()

	for _, did := range dids {
		if err := s.DiscardProvisional(ctx, did); err != nil {
			return nil, err
		}
	}
	return dids, nil
}

func (s *SQLiteStore) SaveKey(ctx context.Context, rec *PrivKeyRecord) error {
	marshaler, ok := rec.Signer.(keys.PrivateMarshaler)
	if !ok {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveKey",
			fmt.Errorf("signer for kid %q does not support private-key marshaling", rec.KID))
	}
	codec, raw, err := marshaler.MarshalPrivate()
	if err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveKey", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO priv_keys (kid, did, codec, priv_bytes, deleted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (did, kid) DO UPDATE SET codec = excluded.codec, priv_bytes = excluded.priv_bytes
	`, rec.KID, rec.DID, string(codec), raw, rec.DeletedAt)
	if err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SaveKey", err)
	}
	return nil
}

func (s *SQLiteStore) SoftDeleteKey(ctx context.Context, didStr, kid string, deletedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE priv_keys SET deleted_at = ? WHERE did = ? AND kid = ?
	`, deletedAt, didStr, kid)
	if err != nil {
		return webplus.E(webplus.StorageError, "wallet.SQLiteStore.SoftDeleteKey", err)
	}
	return nil
}

func (s *SQLiteStore) LoadKeys(ctx context.Context) (map[string][]*PrivKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kid, did, codec, priv_bytes, deleted_at FROM priv_keys
	`)
	if err != nil {
		return nil, webplus.E(webplus.StorageError, "wallet.SQLiteStore.LoadKeys", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]*PrivKeyRecord)
	for rows.Next() {
		var kid, didStr, codec string
		var privBytes []byte
		var deletedAt sql.NullTime
		if err := rows.Scan(&kid, &didStr, &codec, &privBytes, &deletedAt); err != nil {
			return nil, webplus.E(webplus.StorageError, "wallet.SQLiteStore.LoadKeys", err)
		}
		signer, err := keys.UnmarshalSigner(keys.Codec(codec), privBytes)
		if err != nil {
			return nil, err
		}
		rec := &PrivKeyRecord{KID: kid, DID: didStr, Signer: signer}
		if deletedAt.Valid {
			t := deletedAt.Time
			rec.DeletedAt = &t
		}
		out[didStr] = append(out[didStr], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, webplus.E(webplus.StorageError, "wallet.SQLiteStore.LoadKeys", err)
	}
	return out, nil
}

var _ Store = (*SQLiteStore)(nil)
