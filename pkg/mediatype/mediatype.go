// Package mediatype classifies library files as photos or videos.
package mediatype

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type Kind int

const (
	Unknown Kind = iota
	Photo
	Video
)

func (k Kind) String() string {
	switch k {
	case Photo:
		return "photo"
	case Video:
		return "video"
	default:
		return "unknown"
	}
}

var photoExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".heic": {}, ".heif": {},
	".avif": {}, ".tif": {}, ".tiff": {}, ".bmp": {}, ".dng": {}, ".cr2": {}, ".nef": {}, ".arw": {},
}

var videoExts = map[string]struct{}{
	".mp4": {}, ".m4v": {}, ".mov": {}, ".mkv": {}, ".webm": {}, ".avi": {}, ".wmv": {},
	".mts": {}, ".m2ts": {}, ".3gp": {}, ".mpg": {}, ".mpeg": {}, ".flv": {},
}

// ByExtension classifies p from its extension alone.
func ByExtension(p string) Kind {
	ext := strings.ToLower(filepath.Ext(p))
	if _, ok := photoExts[ext]; ok {
		return Photo
	}
	if _, ok := videoExts[ext]; ok {
		return Video
	}
	return Unknown
}

// Detect classifies the file at absPath, sniffing its content when the
// extension is not recognized. Unreadable files are Unknown.
func Detect(absPath string) Kind {
	if k := ByExtension(absPath); k != Unknown {
		return k
	}
	mt, err := mimetype.DetectFile(absPath)
	if err != nil {
		return Unknown
	}
	return fromMIME(mt.String())
}

// IsVideo reports whether absPath is a video.
func IsVideo(absPath string) bool {
	return Detect(absPath) == Video
}

func fromMIME(m string) Kind {
	switch {
	case strings.HasPrefix(m, "video/"):
		return Video
	case strings.HasPrefix(m, "image/"):
		return Photo
	default:
		return Unknown
	}
}

var mediaTypes = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png", ".gif": "image/gif",
	".webp": "image/webp", ".heic": "image/heic", ".heif": "image/heif", ".avif": "image/avif",
	".tif": "image/tiff", ".tiff": "image/tiff", ".bmp": "image/bmp",
	".mp4": "video/mp4", ".m4v": "video/x-m4v", ".mov": "video/quicktime", ".mkv": "video/x-matroska",
	".webm": "video/webm", ".avi": "video/x-msvideo", ".3gp": "video/3gpp", ".mpg": "video/mpeg",
	".mpeg": "video/mpeg", ".mts": "video/mp2t", ".m2ts": "video/mp2t",
}

// ContentType guesses the MIME type served for name from its extension.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ExtensionForMIME returns a file extension (with dot) for a MIME type, or "".
func ExtensionForMIME(m string) string {
	if mt := mimetype.Lookup(m); mt != nil {
		return mt.Extension()
	}
	return ""
}
