package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/common"
)

type memObject struct {
	body        []byte
	etag        string
	contentType string
}

// MemoryStore is an in-process ObjectStore with the same conditional write
// semantics as S3. It backs tests and STORE_DRIVER=memory runs; it is not
// shared between server instances.
type MemoryStore struct {
	name string

	mu      sync.Mutex
	objects map[string]memObject
	seq     uint64
}

func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{name: name, objects: make(map[string]memObject)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("get %s: %w", key, common.ErrNotFound)
	}
	return append([]byte(nil), o.body...), o.etag, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	return m.PutConditional(ctx, key, body, contentType, Condition{})
}

func (m *MemoryStore) PutConditional(ctx context.Context, key string, body []byte, contentType string, cond Condition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.objects[key]
	if cond.IfNoneMatch == "*" && exists {
		return "", fmt.Errorf("put %s: %w", key, common.ErrPreconditionFailed)
	}
	if cond.IfMatch != "" && (!exists || cur.etag != cond.IfMatch) {
		return "", fmt.Errorf("put %s: %w", key, common.ErrPreconditionFailed)
	}

	// The sequence number keeps ETags distinct for identical bodies so a
	// stale If-Match can never succeed.
	m.seq++
	sum := md5.Sum(body)
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(sum[:]), m.seq)

	m.objects[key] = memObject{
		body:        append([]byte(nil), body...),
		etag:        etag,
		contentType: contentType,
	}
	return etag, nil
}

func (m *MemoryStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u := url.URL{Scheme: "memory", Host: m.name, Path: "/" + key}
	q := u.Query()
	q.Set("expires", fmt.Sprintf("%d", time.Now().Add(ttl).Unix()))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Keys lists stored keys with the given prefix in lexical order.
func (m *MemoryStore) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// ContentType reports the media type key was stored with.
func (m *MemoryStore) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].contentType
}
