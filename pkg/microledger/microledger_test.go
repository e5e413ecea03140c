package microledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webplusdid/webplus/pkg/document"
	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/updaterules"
)

func signedRoot(t *testing.T, k keys.Signer) (*document.Document, []byte) {
	t.Helper()
	pub := k.Public()
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
	kid, err := keys.EncodeMultibase(pub)
	require.NoError(t, err)
	require.NoError(t, document.AddProof(root, kid, k))
	canonicalJSON, err := document.Finalize(root, nil)
	require.NoError(t, err)
	return root, canonicalJSON
}

// TestAppendOrderingAndMetadata exercises the append-only ordering
// invariants spec §8 scenario S5 checks: ten documents land in order,
// versionId v is never present before v-1.
func TestAppendOrderingAndMetadata(t *testing.T) {
	k, err := keys.GenerateEd25519()
	require.NoError(t, err)
	root, canonicalJSON := signedRoot(t, k)

	ml, err := New(root, canonicalJSON)
	require.NoError(t, err)

	prev := root
	const n = 10
	for i := 0; i < n; i++ {
		next, err := document.CreateNonRootUnsigned(prev, document.NonRootParams{
			ValidFrom:   document.NewTime(prev.ValidFrom.Time.Add(time.Second)),
			UpdateRules: updaterules.Key{PubKey: k.Public()},
			PublicKeys: document.PublicKeySet{
				Keys:                 map[string]keys.PublicKey{"key-1": k.Public()},
				CapabilityInvocation: []string{"key-1"},
			},
		})
		require.NoError(t, err)
		kid, err := keys.EncodeMultibase(k.Public())
		require.NoError(t, err)
		require.NoError(t, document.AddProof(next, kid, k))
		nextJSON, err := document.Finalize(next, prev)
		require.NoError(t, err)

		require.NoError(t, ml.Append(next, nextJSON))
		assert.Equal(t, i+1, ml.Height()-1)
		prev = next
	}

	assert.Equal(t, n+1, ml.Height())
	node, err := ml.ByVersionID(5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), node.Document.VersionID)

	md, err := ml.Metadata(5)
	require.NoError(t, err)
	assert.Equal(t, root.ValidFrom, md.Created)
	require.NotNil(t, md.NextVersionID)
	assert.Equal(t, int64(6), *md.NextVersionID)

	latestMD, err := ml.Metadata(int64(n))
	require.NoError(t, err)
	assert.Nil(t, latestMD.NextVersionID)
	assert.Equal(t, int64(n), latestMD.MostRecentVersionID)
}

func TestAppendRejectsDuplicateVersionID(t *testing.T) {
	k, err := keys.GenerateEd25519()
	require.NoError(t, err)
	root, canonicalJSON := signedRoot(t, k)
	ml, err := New(root, canonicalJSON)
	require.NoError(t, err)

	next, err := document.CreateNonRootUnsigned(root, document.NonRootParams{
		ValidFrom:   document.NewTime(root.ValidFrom.Time.Add(time.Second)),
		UpdateRules: updaterules.Key{PubKey: k.Public()},
		PublicKeys: document.PublicKeySet{
			Keys:                 map[string]keys.PublicKey{"key-1": k.Public()},
			CapabilityInvocation: []string{"key-1"},
		},
	})
	require.NoError(t, err)
	kid, err := keys.EncodeMultibase(k.Public())
	require.NoError(t, err)
	require.NoError(t, document.AddProof(next, kid, k))
	nextJSON, err := document.Finalize(next, root)
	require.NoError(t, err)

	require.NoError(t, ml.Append(next, nextJSON))
	err = ml.Append(next, nextJSON)
	assert.Error(t, err)
}
