// Package mediaid mints and derives the identifiers used across the library:
// short media item ids (also the thumbnail folder name), deterministic album
// ids for federation imports and remote identities.
package mediaid

import (
	"encoding/base32"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ShortLen is the length of ids returned by New.
const ShortLen = 16

var shortEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// New returns a random lowercase id of ShortLen characters, safe as a
// directory name.
func New() string {
	u := uuid.New()
	return shortEncoding.EncodeToString(u[:10])
}

// Valid reports whether id has the shape New produces.
func Valid(id string) bool {
	if len(id) != ShortLen {
		return false
	}
	_, err := shortEncoding.DecodeString(id)
	return err == nil
}

// NamespaceForInstance returns a UUIDv5 namespace for a remote instance,
// keyed by its normalized base URL.
func NamespaceForInstance(baseURL string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(normalizeBaseURL(baseURL)))
}

// ImportedAlbumID returns the local album id for an import of remoteAlbum
// from issuer by userID. Re-running the same import yields the same id.
func ImportedAlbumID(userID int64, issuer, remoteAlbum string) uuid.UUID {
	ns := NamespaceForInstance(issuer)
	return uuid.NewSHA1(ns, []byte(strconv.FormatInt(userID, 10)+"/"+strings.TrimSpace(remoteAlbum)))
}

// RemoteIdentity returns "{username}@{host}" for a user on the instance at
// remoteURL. The result is not sanitized for filesystem use.
func RemoteIdentity(username, remoteURL string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("missing remote username")
	}
	host := HostOf(remoteURL)
	if host == "" {
		return "", errors.New("remote url has no host")
	}
	return username + "@" + host, nil
}

// HostOf returns the lowercase hostname of raw, which may lack a scheme.
func HostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return ""
		}
	}
	return normalizeHost(u.Host)
}

func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

func normalizeHost(hostport string) string {
	h := strings.TrimSpace(strings.ToLower(hostport))
	if h == "" {
		return ""
	}
	if strings.Contains(h, ":") {
		if parsed, err := url.Parse("//" + h); err == nil && parsed.Hostname() != "" {
			h = parsed.Hostname()
		}
	}
	return strings.TrimSuffix(h, ".")
}
