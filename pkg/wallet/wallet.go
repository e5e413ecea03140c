// Package wallet implements the controller side of the system (spec §4.9):
// key generation and per-purpose storage, update-key rotation, and the
// two-phase provisional-commit protocol that keeps a wallet's local store
// and the VDR in agreement.
package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/updaterules"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// PrivKeyRecord is one row of the priv_keys table (spec §6). DeletedAt is
// set, not the row removed, when a key is rotated out — soft-delete per
// spec §4.9 step 3.
type PrivKeyRecord struct {
	KID       string
	DID       string
	Signer    keys.Signer
	DeletedAt *time.Time
}

// PrivKeyUsage is one row of the priv_key_usages table: a record that a
// given key signed a given document version.
type PrivKeyUsage struct {
	KID       string
	DID       string
	VersionID int64
	UsedAt    time.Time
}

// VDRClient is the wallet's view of the VDR HTTP surface (spec §4.8): just
// enough to submit a canonical document. The concrete HTTP implementation
// lives in vdrclient.go; tests substitute a fake.
type VDRClient interface {
	CreateDID(ctx context.Context, d did.DID, canonicalJSON []byte) error
	UpdateDID(ctx context.Context, d did.DID, canonicalJSON []byte) error
}

// Store persists a wallet's key material, usage history, and in-flight
// provisional writes (spec §6 "wallets", "priv_keys", "priv_key_usages",
// and their provisional twins for §4.9) so a wallet survives process
// restart, and so a crash between Phase 1 and Phase 2a leaves a durable,
// age-trackable row rather than silently losing the in-flight operation.
// The in-process Wallet is fully functional without one; New wallets keep
// keys in memory only. The concrete adapter lives in sqlite.go.
type Store interface {
	// SaveProvisional durably records Phase 1 (spec §4.9 step 1) in a
	// single local transaction, before the caller makes its HTTP call to
	// the VDR.
	SaveProvisional(ctx context.Context, p ProvisionalWrite) error
	// CommitProvisional is Phase 2a (spec §4.9 step 3): move didStr's
	// provisional rows to their canonical tables.
	CommitProvisional(ctx context.Context, didStr string) error
	// DiscardProvisional is Phase 2b (spec §4.9 step 4): delete didStr's
	// provisional rows without promoting them.
	DiscardProvisional(ctx context.Context, didStr string) error
	// SweepOrphanedProvisional reaps provisional rows whose SaveProvisional
	// call is older than olderThan (spec §5 "Cancellation and timeouts"),
	// returning the DIDs it reaped.
	SweepOrphanedProvisional(ctx context.Context, olderThan time.Duration) ([]string, error)

	SaveKey(ctx context.Context, rec *PrivKeyRecord) error
	SoftDeleteKey(ctx context.Context, didStr, kid string, deletedAt time.Time) error
	// LoadKeys returns every stored key, soft-deleted ones included (with
	// DeletedAt set), grouped by DID, for wallet startup.
	LoadKeys(ctx context.Context) (map[string][]*PrivKeyRecord, error)
}

type provisionalEntry struct {
	doc           *document.Document
	keys          []*PrivKeyRecord
	isCreate      bool
	rotatedOutKID string
	createdAt     time.Time
}

// Wallet is a single controller's local store: per-DID key sets, usage
// history, and any in-flight provisional commit. Every exported method
// that crosses a DID boundary takes and holds a lock on the whole wallet
// (single mutex, no per-DID sharding) since a wallet, unlike a VDR, only
// ever serves one controller.
type Wallet struct {
	mu          sync.Mutex
	id          string
	keysByDID   map[string][]*PrivKeyRecord
	usages      []PrivKeyUsage
	provisional map[string]*provisionalEntry // keyed by DID string; at most one in flight per DID
	vdr         VDRClient
	store       Store
}

// New creates an empty wallet bound to vdr, with no durable backing store.
func New(vdr VDRClient) *Wallet {
	return &Wallet{
		id:          uuid.NewString(),
		keysByDID:   make(map[string][]*PrivKeyRecord),
		provisional: make(map[string]*provisionalEntry),
		vdr:         vdr,
	}
}

// NewWithStore creates a wallet backed by store, loading whatever key
// material store already holds (e.g. from a prior process's run).
func NewWithStore(ctx context.Context, vdr VDRClient, store Store) (*Wallet, error) {
	w := New(vdr)
	w.store = store
	keysByDID, err := store.LoadKeys(ctx)
	if err != nil {
		return nil, webplus.E(webplus.StorageError, "wallet.NewWithStore", err)
	}
	w.keysByDID = keysByDID
	return w, nil
}

// ID is this wallet's identifier (spec §6 "wallets" table primary key).
func (w *Wallet) ID() string { return w.id }

// nonDeletedKeys returns the wallet's live update keys for a DID.
func (w *Wallet) nonDeletedKeys(didStr string) []*PrivKeyRecord {
	var out []*PrivKeyRecord
	for _, k := range w.keysByDID[didStr] {
		if k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out
}

// CreateDID generates a new root document with a freshly generated update
// key, runs the two-phase commit against the VDR, and returns the
// finalized document. hashFn defaults to multihash.Blake2b if zero.
func (w *Wallet) CreateDID(ctx context.Context, host string, pathSegments []string, hashFn multihash.Function) (*document.Document, error) {
	if hashFn == "" {
		hashFn = multihash.Blake2b
	}
	signer, err := keys.GenerateEd25519()
	if err != nil {
		return nil, webplus.E(webplus.SigningError, "wallet.CreateDID", err)
	}
	pub := signer.Public()
	kid, err := keys.EncodeMultibase(pub)
	if err != nil {
		return nil, webplus.E(webplus.SigningError, "wallet.CreateDID", err)
	}

	root, err := document.CreateRootUnsigned(document.RootParams{
		Host:         host,
		PathSegments: pathSegments,
		ValidFrom:    document.NewTime(time.Now()),
		UpdateRules:  updaterules.Key{PubKey: pub},
		PublicKeys: document.PublicKeySet{
			Keys:                 map[string]keys.PublicKey{kid: pub},
			Authentication:       []string{kid},
			AssertionMethod:      []string{kid},
			CapabilityInvocation: []string{kid},
			CapabilityDelegation: []string{kid},
		},
		HashFunction: hashFn,
	})
	if err != nil {
		return nil, err
	}
	if err := document.AddProof(root, kid, signer); err != nil {
		return nil, err
	}
	canonicalJSON, err := document.Finalize(root, nil)
	if err != nil {
		return nil, err
	}

	didStr := root.ID.String()
	rec := &PrivKeyRecord{KID: kid, DID: didStr, Signer: signer}
	usage := PrivKeyUsage{KID: kid, DID: didStr, VersionID: root.VersionID, UsedAt: time.Now()}
	now := time.Now()

	w.mu.Lock()
	w.provisional[didStr] = &provisionalEntry{doc: root, keys: []*PrivKeyRecord{rec}, isCreate: true, createdAt: now}
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.SaveProvisional(ctx, ProvisionalWrite{
			DID: didStr, CanonicalJSON: canonicalJSON, SelfHash: root.SelfHash,
			VersionID: root.VersionID, ValidFrom: root.ValidFrom.Time,
			Keys: []*PrivKeyRecord{rec}, Usage: usage, CreatedAt: now,
		}); err != nil {
			w.mu.Lock()
			delete(w.provisional, didStr)
			w.mu.Unlock()
			return nil, webplus.E(webplus.StorageError, "wallet.CreateDID", err)
		}
	}

	if err := w.vdr.CreateDID(ctx, root.ID, canonicalJSON); err != nil {
		w.mu.Lock()
		delete(w.provisional, didStr)
		w.mu.Unlock()
		if w.store != nil {
			if discardErr := w.store.DiscardProvisional(ctx, didStr); discardErr != nil {
				return nil, webplus.E(webplus.StorageError, "wallet.CreateDID",
					fmt.Errorf("VDR call failed (%w) and discarding its provisional rows also failed: %v", err, discardErr))
			}
		}
		return nil, webplus.E(webplus.HTTPRequestError, "wallet.CreateDID", err)
	}

	w.mu.Lock()
	delete(w.provisional, didStr)
	w.keysByDID[didStr] = append(w.keysByDID[didStr], rec)
	w.usages = append(w.usages, usage)
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.CommitProvisional(ctx, didStr); err != nil {
			return nil, webplus.E(webplus.StorageError, "wallet.CreateDID", err)
		}
	}

	return root, nil
}

// UpdateDID builds the next document from params, signs it with the first
// non-deleted wallet key that latest's updateRules authorize, and runs the
// two-phase commit. latest must be the caller's current view of the
// document at the head of the microledger. UpdateDID generates no key and
// soft-deletes none: the next updateRules and public keys are taken from
// params as given, and the wallet's key set changes only through
// RecordRotatedKey.
func (w *Wallet) UpdateDID(ctx context.Context, latest *document.Document, params document.NonRootParams) (*document.Document, error) {
	didStr := latest.ID.String()

	w.mu.Lock()
	candidates := w.nonDeletedKeys(didStr)
	w.mu.Unlock()

	var signingKID string
	var signer keys.Signer
	for _, c := range candidates {
		authorized := updaterules.FindMatchingUpdateKeys(latest.UpdateRules, []keys.PublicKey{c.Signer.Public()})
		if len(authorized) > 0 {
			signingKID = c.KID
			signer = c.Signer
			break
		}
	}
	if signer == nil {
		return nil, webplus.E(webplus.NoSuitablePrivKeyFound, "wallet.UpdateDID",
			fmt.Errorf("no non-deleted update key for %s is authorized by the current updateRules", didStr))
	}

	next, err := document.CreateNonRootUnsigned(latest, params)
	if err != nil {
		return nil, err
	}

	mbSigningKID, err := keys.EncodeMultibase(signer.Public())
	if err != nil {
		return nil, webplus.E(webplus.SigningError, "wallet.UpdateDID", err)
	}
	if err := document.AddProof(next, mbSigningKID, signer); err != nil {
		return nil, err
	}
	canonicalJSON, err := document.Finalize(next, latest)
	if err != nil {
		return nil, err
	}

	// The caller is expected to have supplied the new signer's public key
	// material via params.PublicKeys; new-key bookkeeping in the wallet's
	// own key set happens via RecordRotatedKey after a successful update.

	usage := PrivKeyUsage{KID: signingKID, DID: didStr, VersionID: next.VersionID, UsedAt: time.Now()}
	now := time.Now()

	w.mu.Lock()
	w.provisional[didStr] = &provisionalEntry{doc: next, rotatedOutKID: signingKID, createdAt: now}
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.SaveProvisional(ctx, ProvisionalWrite{
			DID: didStr, CanonicalJSON: canonicalJSON, SelfHash: next.SelfHash,
			VersionID: next.VersionID, ValidFrom: next.ValidFrom.Time,
			Usage: usage, CreatedAt: now,
		}); err != nil {
			w.mu.Lock()
			delete(w.provisional, didStr)
			w.mu.Unlock()
			return nil, webplus.E(webplus.StorageError, "wallet.UpdateDID", err)
		}
	}

	if err := w.vdr.UpdateDID(ctx, next.ID, canonicalJSON); err != nil {
		w.mu.Lock()
		delete(w.provisional, didStr)
		w.mu.Unlock()
		if w.store != nil {
			if discardErr := w.store.DiscardProvisional(ctx, didStr); discardErr != nil {
				return nil, webplus.E(webplus.StorageError, "wallet.UpdateDID",
					fmt.Errorf("VDR call failed (%w) and discarding its provisional rows also failed: %v", err, discardErr))
			}
		}
		return nil, webplus.E(webplus.HTTPRequestError, "wallet.UpdateDID", err)
	}

	w.mu.Lock()
	delete(w.provisional, didStr)
	w.usages = append(w.usages, usage)
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.CommitProvisional(ctx, didStr); err != nil {
			return nil, webplus.E(webplus.StorageError, "wallet.UpdateDID", err)
		}
	}

	return next, nil
}

// RecordRotatedKey registers a freshly generated update key for did and
// soft-deletes oldKID (spec §4.9 step 3: "soft-delete the rotated-out
// update key"). Callers invoke this after UpdateDID succeeds when the new
// document's updateRules name a different key than the one that signed
// the update.
func (w *Wallet) RecordRotatedKey(ctx context.Context, didStr string, newKID string, newSigner keys.Signer, oldKID string) error {
	now := time.Now()
	rec := &PrivKeyRecord{KID: newKID, DID: didStr, Signer: newSigner}

	w.mu.Lock()
	w.keysByDID[didStr] = append(w.keysByDID[didStr], rec)
	for _, k := range w.keysByDID[didStr] {
		if k.KID == oldKID {
			k.DeletedAt = &now
		}
	}
	w.mu.Unlock()

	if w.store == nil {
		return nil
	}
	if err := w.store.SaveKey(ctx, rec); err != nil {
		return webplus.E(webplus.StorageError, "wallet.RecordRotatedKey", err)
	}
	if err := w.store.SoftDeleteKey(ctx, didStr, oldKID, now); err != nil {
		return webplus.E(webplus.StorageError, "wallet.RecordRotatedKey", err)
	}
	return nil
}

// GenerateUpdateKey is a convenience for building the next update key
// ahead of calling UpdateDID, so callers can put its public key into
// document.NonRootParams.UpdateRules before the call.
func (w *Wallet) GenerateUpdateKey() (string, keys.Signer, error) {
	signer, err := keys.GenerateEd25519()
	if err != nil {
		return "", nil, webplus.E(webplus.SigningError, "wallet.GenerateUpdateKey", err)
	}
	kid, err := keys.EncodeMultibase(signer.Public())
	if err != nil {
		return "", nil, webplus.E(webplus.SigningError, "wallet.GenerateUpdateKey", err)
	}
	return kid, signer, nil
}

// Usages returns a copy of the usage history, for tests and audits.
func (w *Wallet) Usages() []PrivKeyUsage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PrivKeyUsage, len(w.usages))
	copy(out, w.usages)
	return out
}

// HasProvisional reports whether did has an in-flight, uncommitted
// provisional entry.
func (w *Wallet) HasProvisional(didStr string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.provisional[didStr]
	return ok
}

// SweepOrphanedProvisional reaps provisional entries — both the
// in-memory map and, if a durable Store is configured, its persisted
// rows — older than olderThan (spec §5 "Cancellation and timeouts": a
// crash between Phase 1 and Phase 2a orphans provisional rows, which
// "should be reaped by a background sweep older than a configurable
// threshold"). It returns the DIDs it reaped. Callers run this
// periodically (e.g. from a cron-style goroutine); Wallet does not start
// one itself.
func (w *Wallet) SweepOrphanedProvisional(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)

	w.mu.Lock()
	var reaped []string
	for didStr, entry := range w.provisional {
		if entry.createdAt.Before(cutoff) {
			reaped = append(reaped, didStr)
			delete(w.provisional, didStr)
		}
	}
	w.mu.Unlock()

	if w.store == nil {
		return reaped, nil
	}
	storeReaped, err := w.store.SweepOrphanedProvisional(ctx, olderThan)
	if err != nil {
		return nil, webplus.E(webplus.StorageError, "wallet.SweepOrphanedProvisional", err)
	}
	for _, didStr := range storeReaped {
		found := false
		for _, r := range reaped {
			if r == didStr {
				found = true
				break
			}
		}
		if !found {
			reaped = append(reaped, didStr)
		}
	}
	return reaped, nil
}
