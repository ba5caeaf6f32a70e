// Package auth issues and verifies capability tokens: short-lived signed
// grants that allow one device to upload one object key. Verification is a
// pure function of the token, the shared secret and the clock.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/server/keys"
	"github.com/dmitrijs2005/fieldcap/internal/timex"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of an upload token.
const DefaultTTL = 15 * time.Minute

// minSecretLen is the shortest HMAC secret not reported as weak.
const minSecretLen = 32

// Grant is what a verified token authorizes.
type Grant struct {
	DeviceID    string
	ObjectKey   string
	ContentType string
	Kind        string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Claims carries the grant inside a JWT. Subject is the device id.
type Claims struct {
	jwt.RegisteredClaims
	ObjectKey   string `json:"key"`
	ContentType string `json:"ct"`
	Kind        string `json:"kind"`
}

// Issuer signs and verifies upload tokens with an HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    timex.Clock
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: timex.UTCNow}
}

// WithClock replaces the time source; used by tests.
func (i *Issuer) WithClock(c timex.Clock) *Issuer {
	i.now = c
	return i
}

// TTL is the lifetime given to issued tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue validates the request, derives the object key when objectKey is
// empty and returns a signed token for the resulting grant.
func (i *Issuer) Issue(deviceID, objectKey, contentType, kind string) (string, Grant, error) {
	if !keys.ValidDeviceID(deviceID) {
		return "", Grant{}, common.ErrInvalidDevice
	}
	if kind == "" {
		kind = common.KindPhotos
	}
	if !common.ValidKind(kind) {
		return "", Grant{}, common.ErrInvalidKind
	}

	now := i.now()
	var key string
	if objectKey == "" {
		key = keys.Generate(deviceID, keys.Ext(contentType, kind), now)
	} else {
		rel, err := keys.SafeRelative(keys.Relative(deviceID, objectKey))
		if err != nil {
			return "", Grant{}, err
		}
		if keys.Reserved(rel) {
			return "", Grant{}, fmt.Errorf("%w: %s is reserved", common.ErrUnsafeKey, rel)
		}
		key = keys.Object(deviceID, rel)
	}
	if contentType == "" {
		contentType = keys.ContentType(key)
	}

	g := Grant{
		DeviceID:    deviceID,
		ObjectKey:   key,
		ContentType: contentType,
		Kind:        kind,
		IssuedAt:    now.Truncate(time.Second),
		ExpiresAt:   now.Add(i.ttl).Truncate(time.Second),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   g.DeviceID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(g.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(g.ExpiresAt),
		},
		ObjectKey:   g.ObjectKey,
		ContentType: g.ContentType,
		Kind:        g.Kind,
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", Grant{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, g, nil
}

// Verify checks the signature and expiry of token and returns its grant.
// It fails with common.ErrTokenExpired or common.ErrInvalidToken.
func (i *Issuer) Verify(tokenString string) (Grant, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, common.ErrTokenExpired
		}
		return Grant{}, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if !token.Valid {
		return Grant{}, common.ErrInvalidToken
	}

	if claims.Subject == "" || claims.ObjectKey == "" || !common.ValidKind(claims.Kind) {
		return Grant{}, common.ErrInvalidToken
	}

	g := Grant{
		DeviceID:    claims.Subject,
		ObjectKey:   claims.ObjectKey,
		ContentType: claims.ContentType,
		Kind:        claims.Kind,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		g.IssuedAt = claims.IssuedAt.Time
	}
	return g, nil
}

// IsWeakSecret flags secrets that are short or still the development default.
func IsWeakSecret(secret, devDefault string) bool {
	s := strings.TrimSpace(secret)
	return len(s) < minSecretLen || s == devDefault
}
