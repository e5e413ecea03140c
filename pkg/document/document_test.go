package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webplusdid/webplus/pkg/canonical"
	"github.com/webplusdid/webplus/pkg/keys"
	"github.com/webplusdid/webplus/pkg/multihash"
	"github.com/webplusdid/webplus/pkg/updaterules"
	"github.com/webplusdid/webplus/pkg/webplus"
)

func kidFor(t *testing.T, pub keys.PublicKey) string {
	t.Helper()
	s, err := keys.EncodeMultibase(pub)
	require.NoError(t, err)
	return s
}

// TestS1RootCreateVerify is spec §8 scenario S1.
func TestS1RootCreateVerify(t *testing.T) {
	k, err := keys.GenerateEd25519()
	require.NoError(t, err)
	pub := k.Public()

	root, err := CreateRootUnsigned(RootParams{
		Host:         "example.com",
		PathSegments: []string{"user"},
		ValidFrom:    NewTime(time.Now()),
		UpdateRules:  updaterules.Key{PubKey: pub},
		PublicKeys: PublicKeySet{
			Keys:                 map[string]keys.PublicKey{"key-1": pub},
			CapabilityInvocation: []string{"key-1"},
		},
		HashFunction: multihash.Blake2b,
	})
	require.NoError(t, err)

	require.NoError(t, AddProof(root, kidFor(t, pub), k))
	_, err = Finalize(root, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), root.VersionID)
	assert.NotEqual(t, "", root.SelfHash)
	fn, _, err := multihash.Decode(root.SelfHash)
	require.NoError(t, err)
	placeholder, err := multihash.Placeholder(fn)
	require.NoError(t, err)
	assert.NotEqual(t, placeholder, root.SelfHash)
	assert.Equal(t, "did:webplus:example.com:user:"+root.SelfHash, root.ID.String())
}

func buildRoot(t *testing.T, k keys.Signer) *Document {
	t.Helper()
	pub := k.Public()
	root, err := CreateRootUnsigned(RootParams{
		Host:         "example.com",
		PathSegments: []string{"user"},
		ValidFrom:    NewTime(time.Now()),
		UpdateRules:  updaterules.Key{PubKey: pub},
		PublicKeys: PublicKeySet{
			Keys:                 map[string]keys.PublicKey{"key-1": pub},
			CapabilityInvocation: []string{"key-1"},
		},
		HashFunction: multihash.Blake2b,
	})
	require.NoError(t, err)
	require.NoError(t, AddProof(root, kidFor(t, pub), k))
	_, err = Finalize(root, nil)
	require.NoError(t, err)
	return root
}

// TestS2UpdateWithSingleKeyProof is spec §8 scenario S2.
func TestS2UpdateWithSingleKeyProof(t *testing.T) {
	k, err := keys.GenerateEd25519()
	require.NoError(t, err)
	root := buildRoot(t, k)

	k2, err := keys.GenerateEd25519()
	require.NoError(t, err)
	k2Encoded, err := keys.EncodeMultibase(k2.Public())
	require.NoError(t, err)
	hashedK2, err := multihash.Sum(multihash.Blake2b, []byte(k2Encoded))
	require.NoError(t, err)

	next, err := CreateNonRootUnsigned(root, NonRootParams{
		ValidFrom:   NewTime(root.ValidFrom.Time.Add(time.Second)),
		UpdateRules: updaterules.HashedKey{HashedPubKey: hashedK2, HashFn: multihash.Blake2b},
		PublicKeys: PublicKeySet{
			Keys:                 map[string]keys.PublicKey{"key-1": k2.Public()},
			CapabilityInvocation: []string{"key-1"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, AddProof(next, kidFor(t, k.Public()), k))

	_, err = Finalize(next, root)
	require.NoError(t, err)

	// Mutate a character of the proof, then re-commit the self-hash so the
	// fix-point itself stays internally consistent: the only thing left
	// broken is the proof's signature, so verification should fail at rule
	// evaluation (InvalidDIDUpdateOperation), not at the self-hash check.
	tampered := *next
	tampered.Proofs = append([]string{}, next.Proofs...)
	tampered.Proofs[0] = flipChar(tampered.Proofs[0])
	_, _, err = canonical.ComputeSelfHash(tampered.HashFunction, &tampered)
	require.NoError(t, err)
	err = VerifyNonRecursive(&tampered, root)
	require.Error(t, err)
	assert.Equal(t, webplus.InvalidDIDUpdateOperation, webplus.KindOf(err))
}

// TestS3Tombstone is spec §8 scenario S3.
func TestS3Tombstone(t *testing.T) {
	k, err := keys.GenerateEd25519()
	require.NoError(t, err)
	root := buildRoot(t, k)

	k2, err := keys.GenerateEd25519()
	require.NoError(t, err)
	k2Encoded, err := keys.EncodeMultibase(k2.Public())
	require.NoError(t, err)
	hashedK2, err := multihash.Sum(multihash.Blake2b, []byte(k2Encoded))
	require.NoError(t, err)

	next, err := CreateNonRootUnsigned(root, NonRootParams{
		ValidFrom:   NewTime(root.ValidFrom.Time.Add(time.Second)),
		UpdateRules: updaterules.HashedKey{HashedPubKey: hashedK2, HashFn: multihash.Blake2b},
		PublicKeys: PublicKeySet{
			Keys:                 map[string]keys.PublicKey{"key-1": k2.Public()},
			CapabilityInvocation: []string{"key-1"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, AddProof(next, kidFor(t, k.Public()), k))
	_, err = Finalize(next, root)
	require.NoError(t, err)

	tombstone, err := CreateNonRootUnsigned(next, NonRootParams{
		ValidFrom:   NewTime(next.ValidFrom.Time.Add(time.Second)),
		UpdateRules: updaterules.UpdatesDisallowed{},
		PublicKeys:  PublicKeySet{Keys: map[string]keys.PublicKey{}},
	})
	require.NoError(t, err)
	require.NoError(t, AddProof(tombstone, kidFor(t, k2.Public()), k2))
	_, err = Finalize(tombstone, next)
	require.NoError(t, err)

	// Any further update must fail, since UpdatesDisallowed is never
	// satisfied regardless of proof data.
	k3, err := keys.GenerateEd25519()
	require.NoError(t, err)
	further, err := CreateNonRootUnsigned(tombstone, NonRootParams{
		ValidFrom:   NewTime(tombstone.ValidFrom.Time.Add(time.Second)),
		UpdateRules: updaterules.Key{PubKey: k3.Public()},
		PublicKeys:  PublicKeySet{Keys: map[string]keys.PublicKey{}},
	})
	require.NoError(t, err)
	require.NoError(t, AddProof(further, kidFor(t, k2.Public()), k2))
	_, _, err = canonical.ComputeSelfHash(further.HashFunction, further)
	require.NoError(t, err)
	err = VerifyNonRecursive(further, tombstone)
	require.Error(t, err)
	assert.Equal(t, webplus.InvalidDIDUpdateOperation, webplus.KindOf(err))
}

func flipChar(s string) string {
	b := []byte(s)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != '.' {
			// 'A'->'g' changes a data bit of the last base64url group;
			// 'A'->'B' would only touch trailing padding bits.
			if b[i] == 'A' {
				b[i] = 'g'
			} else {
				b[i] = 'A'
			}
			break
		}
	}
	return string(b)
}
