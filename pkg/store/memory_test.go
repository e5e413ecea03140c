package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/updaterules"
)

func buildChain(t *testing.T, n int) []*document.Document {
	t.Helper()
	k, err := keys.GenerateEd25519()
	require.NoError(t, err)
	pub := k.Public()
	kid, err := keys.EncodeMultibase(pub)
	require.NoError(t, err)

	root, err := document.CreateRootUnsigned(document.RootParams{
		Host:         "example.com",
		PathSegments: []string{"user"},
		ValidFrom:    document.NewTime(time.Now()),
		UpdateRules:  updaterules.Key{PubKey: pub},
		PublicKeys: document.PublicKeySet{
			Keys:                 map[string]keys.PublicKey{"key-1": pub},
			CapabilityInvocation: []string{"key-1"},
		},
		HashFunction: multihash.Blake2b,
	})
	require.NoError(t, err)
	require.NoError(t, document.AddProof(root, kid, k))
	_, err = document.Finalize(root, nil)
	require.NoError(t, err)

	docs := []*document.Document{root}
	prev := root
	for i := 1; i < n; i++ {
		next, err := document.CreateNonRootUnsigned(prev, document.NonRootParams{
			ValidFrom:   document.NewTime(prev.ValidFrom.Time.Add(time.Second)),
			UpdateRules: updaterules.Key{PubKey: pub},
			PublicKeys: document.PublicKeySet{
				Keys:                 map[string]keys.PublicKey{"key-1": pub},
				CapabilityInvocation: []string{"key-1"},
			},
		})
		require.NoError(t, err)
		require.NoError(t, document.AddProof(next, kid, k))
		_, err = document.Finalize(next, prev)
		require.NoError(t, err)
		docs = append(docs, next)
		prev = next
	}
	return docs
}

func TestMemoryValidateAndAddDidDoc(t *testing.T) {
	ctx := context.Background()
	docs := buildChain(t, 3)
	m := NewMemory()

	require.NoError(t, m.ValidateAndAddDidDoc(ctx, docs[0], nil, []byte(`{"v":0}`)))
	require.NoError(t, m.ValidateAndAddDidDoc(ctx, docs[1], docs[0], []byte(`{"v":1}`)))
	require.NoError(t, m.ValidateAndAddDidDoc(ctx, docs[2], docs[1], []byte(`{"v":2}`)))

	latest, err := m.GetLatestKnownDidDocRecord(ctx, docs[0].ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.VersionID)

	rec, err := m.GetDidDocRecordWithSelfHash(ctx, docs[0].ID.String(), docs[1].SelfHash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.VersionID)

	byVersion, err := m.GetDidDocRecordWithVersionID(ctx, docs[0].ID.String(), 0)
	require.NoError(t, err)
	assert.Equal(t, docs[0].SelfHash, byVersion.SelfHash)
}

func TestMemoryRejectsDuplicateVersionID(t *testing.T) {
	ctx := context.Background()
	docs := buildChain(t, 2)
	m := NewMemory()

	require.NoError(t, m.ValidateAndAddDidDoc(ctx, docs[0], nil, []byte(`{"v":0}`)))
	require.NoError(t, m.ValidateAndAddDidDoc(ctx, docs[1], docs[0], []byte(`{"v":1}`)))
	err := m.ValidateAndAddDidDoc(ctx, docs[1], docs[0], []byte(`{"v":1}`))
	assert.Error(t, err)
}

func TestMemoryJsonlRange(t *testing.T) {
	ctx := context.Background()
	docs := buildChain(t, 4)
	m := NewMemory()
	for i, d := range docs {
		var prev *document.Document
		if i > 0 {
			prev = docs[i-1]
		}
		require.NoError(t, m.ValidateAndAddDidDoc(ctx, d, prev, []byte("line-"+d.SelfHash)))
	}

	full, err := m.GetDidDocRecordsForJsonlRange(ctx, docs[0].ID.String(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, full, 4)

	mid := full[1].DidDocumentsJsonlOctetLength - 1
	tail, err := m.GetDidDocRecordsForJsonlRange(ctx, docs[0].ID.String(), &mid, nil)
	require.NoError(t, err)
	assert.Len(t, tail, 3)
}
