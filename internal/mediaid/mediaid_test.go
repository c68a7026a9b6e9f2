package mediaid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsShortAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := New()
		require.Len(t, id, ShortLen)
		require.True(t, Valid(id), id)
		require.False(t, seen[id])
		seen[id] = true
	}
	require.False(t, Valid("UPPERCASE0000000"))
	require.False(t, Valid("short"))
}

func TestImportedAlbumIDIsDeterministic(t *testing.T) {
	a := ImportedAlbumID(7, "https://photos.example.org/", "5b1f")
	b := ImportedAlbumID(7, "HTTPS://photos.example.org", "5b1f")
	require.Equal(t, a, b)
	require.Equal(t, 5, int(a.Version()))

	require.NotEqual(t, a, ImportedAlbumID(8, "https://photos.example.org", "5b1f"))
	require.NotEqual(t, a, ImportedAlbumID(7, "https://other.example.org", "5b1f"))
	require.NotEqual(t, a, ImportedAlbumID(7, "https://photos.example.org", "5b20"))
}

func TestRemoteIdentity(t *testing.T) {
	id, err := RemoteIdentity("alice", "https://Photos.Example.org:8443/base")
	require.NoError(t, err)
	require.Equal(t, "alice@photos.example.org", id)

	id, err = RemoteIdentity(" bob ", "example.net")
	require.NoError(t, err)
	require.Equal(t, "bob@example.net", id)

	_, err = RemoteIdentity("", "https://example.net")
	require.Error(t, err)
	_, err = RemoteIdentity("carol", "")
	require.Error(t, err)
}
