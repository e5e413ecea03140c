package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webplusdid/webplus/pkg/did"
	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/updaterules"
	"github.com/webplusdid/webplus/pkg/webplus"
)

// fakeVDRClient is an in-process VDRClient: it records submissions and can
// be told to fail the next call, exercising the provisional-commit
// rollback path (spec §4.9 step 2).
type fakeVDRClient struct {
	mu       sync.Mutex
	created  map[string][]byte
	updated  map[string][]byte
	failNext bool
}

func newFakeVDRClient() *fakeVDRClient {
	return &fakeVDRClient{created: make(map[string][]byte), updated: make(map[string][]byte)}
}

func (f *fakeVDRClient) CreateDID(_ context.Context, d did.DID, canonicalJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("simulated VDR rejection")
	}
	f.created[d.String()] = canonicalJSON
	return nil
}

func (f *fakeVDRClient) UpdateDID(_ context.Context, d did.DID, canonicalJSON []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("simulated VDR rejection")
	}
	f.updated[d.String()] = canonicalJSON
	return nil
}

var _ VDRClient = (*fakeVDRClient)(nil)

func TestCreateDIDCommitsOnVDRSuccess(t *testing.T) {
	ctx := context.Background()
	vdrc := newFakeVDRClient()
	w := New(vdrc)

	root, err := w.CreateDID(ctx, "example.com", []string{"user"}, "")
	require.NoError(t, err)
	assert.False(t, w.HasProvisional(root.ID.String()))
	assert.Len(t, w.nonDeletedKeys(root.ID.String()), 1)
	assert.Contains(t, vdrc.created, root.ID.String())

	usages := w.Usages()
	require.Len(t, usages, 1)
	assert.Equal(t, int64(0), usages[0].VersionID)
}

func TestCreateDIDRollsBackProvisionalOnVDRFailure(t *testing.T) {
	ctx := context.Background()
	vdrc := newFakeVDRClient()
	vdrc.failNext = true
	w := New(vdrc)

	_, err := w.CreateDID(ctx, "example.com", []string{"user"}, "")
	require.Error(t, err)

	// Nothing should remain in-flight after the rollback, and no DID
	// ended up with a live key set.
	assert.Empty(t, w.keysByDID)
	assert.Empty(t, w.provisional)
}

func TestUpdateDIDRotatesKeyAndCommits(t *testing.T) {
	ctx := context.Background()
	vdrc := newFakeVDRClient()
	w := New(vdrc)

	root, err := w.CreateDID(ctx, "example.com", []string{"user"}, "")
	require.NoError(t, err)

	newKID, newSigner, err := w.GenerateUpdateKey()
	require.NoError(t, err)

	next, err := w.UpdateDID(ctx, root, document.NonRootParams{
		ValidFrom:   document.NewTime(root.ValidFrom.Time.Add(time.Second)),
		UpdateRules: updaterules.Key{PubKey: newSigner.Public()},
		PublicKeys: document.PublicKeySet{
			Keys:                 map[string]keys.PublicKey{newKID: newSigner.Public()},
			CapabilityInvocation: []string{newKID},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.VersionID)
	assert.Contains(t, vdrc.updated, next.ID.String())

	oldKID := w.nonDeletedKeys(root.ID.String())[0].KID
	require.NoError(t, w.RecordRotatedKey(ctx, root.ID.String(), newKID, newSigner, oldKID))
	assert.Len(t, w.nonDeletedKeys(root.ID.String()), 1)
	assert.Equal(t, newKID, w.nonDeletedKeys(root.ID.String())[0].KID)
}

func TestCreateDIDPersistsProvisionalBeforeVDRCall(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	vdrc := newFakeVDRClient()
	w, err := NewWithStore(ctx, vdrc, s)
	require.NoError(t, err)

	root, err := w.CreateDID(ctx, "example.com", []string{"user"}, "")
	require.NoError(t, err)

	// Phase 2a already ran, so the provisional rows for this DID are gone
	// and committing again fails.
	assert.Error(t, s.CommitProvisional(ctx, root.ID.String()))
}

func TestCreateDIDDiscardsProvisionalOnVDRFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	vdrc := newFakeVDRClient()
	vdrc.failNext = true
	w, err := NewWithStore(ctx, vdrc, s)
	require.NoError(t, err)

	_, err = w.CreateDID(ctx, "example.com", []string{"user"}, "")
	require.Error(t, err)

	reaped, err := s.SweepOrphanedProvisional(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, reaped, "discard on VDR failure should already have removed the provisional rows")
}

func TestSweepOrphanedProvisionalReapsStaleInMemoryEntry(t *testing.T) {
	ctx := context.Background()
	w := New(newFakeVDRClient())

	didStr := "did:webplus:example.com:stale"
	w.mu.Lock()
	w.provisional[didStr] = &provisionalEntry{createdAt: time.Now().Add(-2 * time.Hour)}
	w.mu.Unlock()

	reaped, err := w.SweepOrphanedProvisional(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{didStr}, reaped)
	assert.False(t, w.HasProvisional(didStr))
}

func TestUpdateDIDFailsWithNoAuthorizedKey(t *testing.T) {
	ctx := context.Background()
	vdrc := newFakeVDRClient()
	w := New(vdrc)

	root, err := w.CreateDID(ctx, "example.com", []string{"user"}, "")
	require.NoError(t, err)

	// Soft-delete the only key that satisfies root's updateRules, leaving
	// nothing in the wallet authorized to sign the next update.
	originalKID := w.nonDeletedKeys(root.ID.String())[0].KID
	newKID, newSigner, err := w.GenerateUpdateKey()
	require.NoError(t, err)
	require.NoError(t, w.RecordRotatedKey(ctx, root.ID.String(), newKID, newSigner, originalKID))
	require.Len(t, w.nonDeletedKeys(root.ID.String()), 1)

	_, err = w.UpdateDID(ctx, root, document.NonRootParams{
		ValidFrom:   document.NewTime(root.ValidFrom.Time.Add(time.Second)),
		UpdateRules: updaterules.Key{PubKey: newSigner.Public()},
		PublicKeys: document.PublicKeySet{
			Keys:                 map[string]keys.PublicKey{newKID: newSigner.Public()},
			CapabilityInvocation: []string{newKID},
		},
	})
	require.Error(t, err)
	assert.Equal(t, webplus.NoSuitablePrivKeyFound, webplus.KindOf(err))
}
