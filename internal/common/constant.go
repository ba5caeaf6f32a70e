// Package common contains shared constants and sentinel errors used across
// fieldcap components.
package common

// Storage partitions ("kinds") an upload can target.
const (
	KindPhotos = "photos"
	KindClips  = "clips"
)

// RequestIDHeaderName carries the per-request correlation id on responses.
const RequestIDHeaderName = "X-Request-Id"

// ValidKind reports whether k names a known storage partition.
func ValidKind(k string) bool {
	return k == KindPhotos || k == KindClips
}
