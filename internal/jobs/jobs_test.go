package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_DoublesUntilCap(t *testing.T) {
	b := Backoff{Initial: 10 * time.Second, Max: time.Hour}

	require.Equal(t, 10*time.Second, b.Delay(0))
	require.Equal(t, 20*time.Second, b.Delay(1))
	require.Equal(t, 80*time.Second, b.Delay(3))
	require.Equal(t, 2560*time.Second, b.Delay(8))
	require.Equal(t, time.Hour, b.Delay(9))
	require.Equal(t, time.Hour, b.Delay(500))
}

func TestBackoff_StrictlyIncreasingBelowCap(t *testing.T) {
	b := DefaultBackoff
	prev := time.Duration(0)
	for n := 0; n < 8; n++ {
		d := b.Delay(n)
		require.Greater(t, d, prev, "attempt %d", n)
		prev = d
	}
}

func TestPriorityFor_Ordering(t *testing.T) {
	require.Less(t, PriorityFor(TypeRemove, false), PriorityFor(TypeScan, false))
	require.Less(t, PriorityFor(TypeImportAlbumItem, false), PriorityFor(TypeImportAlbum, false))
	require.Less(t, PriorityFor(TypeIngest, false), PriorityFor(TypeIngest, true))
	require.Less(t, PriorityFor(TypeIngest, true), PriorityFor(TypeAnalysis, false))
	require.Equal(t, 95, PriorityFor(TypeAnalysis, true))
	require.Equal(t, PriorityFor(TypeRemove, true), PriorityFor(TypeRemove, false))
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("import_album_item")
	require.NoError(t, err)
	require.Equal(t, TypeImportAlbumItem, typ)

	_, err = ParseType("transcode")
	require.Error(t, err)
}

func TestPayload_RejectsMismatchedType(t *testing.T) {
	_, err := EncodePayload(TypeIngest, ImportAlbumPayload{RemoteURL: "https://a"})
	require.Error(t, err)

	raw, err := EncodePayload(TypeImportAlbumItem, ImportAlbumItemPayload{
		RemoteMediaItemID: "abc",
		LocalAlbumID:      "0b7b1f0e-4b8c-4a57-8e2e-2d5ad4d6d0e1",
		RemoteUsername:    "ana",
		RemoteURL:         "https://photos.example.org",
		Token:             "t",
	})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"remote_media_item_id":"abc"`)

	p, err := DecodePayload(TypeImportAlbumItem, raw)
	require.NoError(t, err)
	item, ok := p.(ImportAlbumItemPayload)
	require.True(t, ok)
	require.Equal(t, "ana", item.RemoteUsername)

	_, err = DecodePayload(TypeIngest, raw)
	require.Error(t, err)

	p, err = DecodePayload(TypeIngest, nil)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestStatusLive(t *testing.T) {
	require.True(t, StatusQueued.Live())
	require.True(t, StatusFailed.Live())
	require.True(t, StatusRunning.Live())
	require.False(t, StatusCancelled.Live())
	require.False(t, StatusDone.Live())
}
