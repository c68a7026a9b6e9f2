package jobs

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed body carried by federation jobs. Each variant belongs
// to exactly one job Type; other job types carry no payload.
type Payload interface {
	JobType() Type
}

// ImportAlbumPayload asks the worker to mirror a remote album. AlbumName and
// AlbumDescription override what the remote invite summary reports when set.
type ImportAlbumPayload struct {
	AlbumName        string `json:"album_name,omitempty"`
	AlbumDescription string `json:"album_description,omitempty"`
	RemoteUsername   string `json:"remote_username"`
	RemoteURL        string `json:"remote_url"`
	Token            string `json:"token"`
}

// JobType implements Payload.
func (ImportAlbumPayload) JobType() Type { return TypeImportAlbum }

// ImportAlbumItemPayload copies one remote media item into a local album.
type ImportAlbumItemPayload struct {
	RemoteMediaItemID string `json:"remote_media_item_id"`
	LocalAlbumID      string `json:"local_album_id"`
	RemoteUsername    string `json:"remote_username"`
	RemoteURL         string `json:"remote_url"`
	Token             string `json:"token"`
}

// JobType implements Payload.
func (ImportAlbumItemPayload) JobType() Type { return TypeImportAlbumItem }

// EncodePayload serializes p for storage. A nil payload encodes to nil so the
// column stays NULL.
func EncodePayload(t Type, p Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	if p.JobType() != t {
		return nil, fmt.Errorf("payload for %s attached to %s job", p.JobType(), t)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return b, nil
}

// DecodePayload restores the typed payload stored for a job of type t.
func DecodePayload(t Type, raw []byte) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch t {
	case TypeImportAlbum:
		var p ImportAlbumPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypeImportAlbumItem:
		var p ImportAlbumItemPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("job type %s does not take a payload", t)
	}
}
