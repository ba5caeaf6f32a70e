// Package storage is the only place that talks to the object store. It
// exposes plain GET/PUT plus a conditional PUT used as a compare-and-swap
// primitive by the day index reconciler.
//
// Conflicts surface as common.ErrPreconditionFailed and are never retried
// here; retry policy belongs to the caller.
package storage

import (
	"context"
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/common"
)

// Condition guards a write. Exactly one field is normally set:
// IfNoneMatch "*" creates only when the key is absent, IfMatch replaces only
// when the current ETag equals the given one.
type Condition struct {
	IfNoneMatch string
	IfMatch     string
}

// ObjectStore is the adapter contract. ETags are opaque strings returned by
// the backend and passed back verbatim in Condition.IfMatch.
type ObjectStore interface {
	// Get returns the body and ETag of key, or common.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Put writes body unconditionally.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// PutConditional writes body only if cond holds, otherwise it returns
	// common.ErrPreconditionFailed.
	PutConditional(ctx context.Context, key string, body []byte, contentType string, cond Condition) (string, error)

	// PresignGet returns a time-limited download URL for key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Partitions routes uploads to the store of their kind and keeps day
// indices in a store of their own (which may be the photos store).
type Partitions struct {
	Photos ObjectStore
	Clips  ObjectStore
	Index  ObjectStore
}

// For returns the store holding objects of the given kind.
func (p Partitions) For(kind string) (ObjectStore, error) {
	switch kind {
	case common.KindPhotos:
		return p.Photos, nil
	case common.KindClips:
		return p.Clips, nil
	}
	return nil, common.ErrInvalidKind
}
