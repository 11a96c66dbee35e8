package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/televybackup/televybackup/internal/cryptframe"
	"github.com/televybackup/televybackup/internal/errtaxonomy"
	"github.com/televybackup/televybackup/internal/storage/storagetest"
)

// TestFetchNoPinnedCatalog checks that an empty chat reports "no catalog
// yet" rather than an error.
func TestFetchNoPinnedCatalog(t *testing.T) {
	mock := storagetest.NewMock()
	_, ok, err := Fetch(context.Background(), mock, "-100123", cryptframe.GenerateKey())
	require.NoError(t, err)
	require.False(t, ok)
}

// TestPublishThenFetchRoundTrips checks that a published catalog comes
// back intact through the pinned message.
func TestPublishThenFetchRoundTrips(t *testing.T) {
	mock := storagetest.NewMock()
	key := cryptframe.GenerateKey()
	peer := "-100123"

	cat := WithUpdatedTarget(Catalog{}, "t1", "/home/user/docs", "docs", "snap-1", "tgmtproto:v1:abc", "2026-08-01T00:00:00Z")
	require.NoError(t, Publish(context.Background(), mock, peer, key, cat))

	got, ok, err := Fetch(context.Background(), mock, peer, key)
	require.NoError(t, err)
	require.True(t, ok)
	entry, found := LookupTarget(got, "t1")
	require.True(t, found)
	require.Equal(t, "snap-1", entry.Latest.SnapshotID)
	require.Equal(t, "tgmtproto:v1:abc", entry.Latest.ManifestObjectID)
}

// TestFetchWrongKeyIsDecryptFailed checks that a pinned catalog sealed
// under a different master key classifies as bootstrap.decrypt_failed and
// that Fetch leaves the pinned object untouched.
func TestFetchWrongKeyIsDecryptFailed(t *testing.T) {
	mock := storagetest.NewMock()
	peer := "-100123"
	require.NoError(t, Publish(context.Background(), mock, peer, cryptframe.GenerateKey(), Catalog{Version: 1}))

	pinnedBefore, ok, err := mock.GetPinnedObjectID(context.Background(), peer)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = Fetch(context.Background(), mock, peer, cryptframe.GenerateKey())
	require.Error(t, err)
	code, retryable, classified := errtaxonomy.Classify(err)
	require.True(t, classified)
	require.Equal(t, errtaxonomy.CodeBootstrapDecryptFailed, code)
	require.False(t, retryable)

	pinnedAfter, ok, err := mock.GetPinnedObjectID(context.Background(), peer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pinnedBefore.String(), pinnedAfter.String())
}

// TestPublishPinDenied checks the permission-denied pin path classifies as
// bootstrap.forbidden.
func TestPublishPinDenied(t *testing.T) {
	mock := storagetest.NewMock()
	mock.DenyPin = true
	err := Publish(context.Background(), mock, "-100123", cryptframe.GenerateKey(), Catalog{Version: 1})
	require.Error(t, err)
	code, _, classified := errtaxonomy.Classify(err)
	require.True(t, classified)
	require.Equal(t, errtaxonomy.CodeBootstrapForbidden, code)
}

// TestWithUpdatedTargetInsertsAndReplaces checks both the insert-new and
// replace-existing shapes of a catalog update.
func TestWithUpdatedTargetInsertsAndReplaces(t *testing.T) {
	cat := WithUpdatedTarget(Catalog{}, "t1", "/a", "a", "s1", "m1", "2026-08-01T00:00:00Z")
	cat = WithUpdatedTarget(cat, "t2", "/b", "b", "s2", "m2", "2026-08-01T00:01:00Z")
	require.Len(t, cat.Targets, 2)

	cat = WithUpdatedTarget(cat, "t1", "/a", "a", "s3", "m3", "2026-08-01T00:02:00Z")
	require.Len(t, cat.Targets, 2)
	entry, found := LookupTarget(cat, "t1")
	require.True(t, found)
	require.Equal(t, "s3", entry.Latest.SnapshotID)
	require.Equal(t, "m3", entry.Latest.ManifestObjectID)
}
