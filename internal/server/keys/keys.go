// Package keys builds and validates object-store keys for device uploads and
// day indices.
package keys

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/oklog/ulid/v2"
)

// DateLayout is the calendar date format used in day index keys.
const DateLayout = "2006-01-02"

const indexDir = "indices"

var deviceRx = regexp.MustCompile(`^[A-Za-z0-9_\-][A-Za-z0-9._\-]{0,127}$`)

// ValidDeviceID reports whether id can be used as a key prefix.
func ValidDeviceID(id string) bool {
	return deviceRx.MatchString(id) && id != "." && id != ".."
}

// Generate returns <deviceID>/<unix-millis>-<ulid>.<ext>.
func Generate(deviceID, ext string, now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	return fmt.Sprintf("%s/%d-%s.%s", deviceID, now.UnixMilli(), strings.ToLower(id.String()), ext)
}

// SafeRelative validates a caller supplied key relative to the device
// prefix. Traversal segments, absolute paths, backslashes, empty segments and
// control characters are rejected with common.ErrUnsafeKey.
func SafeRelative(p string) (string, error) {
	if p == "" || len(p) > 1024 {
		return "", common.ErrUnsafeKey
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", common.ErrUnsafeKey
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return "", common.ErrUnsafeKey
		}
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", common.ErrUnsafeKey
		}
	}
	return p, nil
}

// Object joins a device and a relative key.
func Object(deviceID, rel string) string {
	return deviceID + "/" + rel
}

// Reserved reports whether rel falls under the device's index directory,
// which only the day index reconciler may write.
func Reserved(rel string) bool {
	return rel == indexDir || strings.HasPrefix(rel, indexDir+"/")
}

// Relative strips the device prefix from key at most once. Keys without it
// are returned unchanged.
func Relative(deviceID, key string) string {
	return strings.TrimPrefix(key, deviceID+"/")
}

// DayIndex is the key of the manifest for deviceID on date (YYYY-MM-DD).
func DayIndex(deviceID, date string) string {
	return deviceID + "/" + indexDir + "/day-" + date + ".json"
}

// Date formats t as a UTC calendar date.
func Date(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ValidDate reports whether s is a YYYY-MM-DD date.
func ValidDate(s string) bool {
	_, err := time.Parse(DateLayout, s)
	return err == nil
}

var extByType = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/heic":      "heic",
	"image/webp":      "webp",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"video/webm":      "webm",
}

var typeByExt = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"heic": "image/heic",
	"webp": "image/webp",
	"mp4":  "video/mp4",
	"mov":  "video/quicktime",
	"webm": "video/webm",
}

// Ext picks a file extension for a generated key.
func Ext(contentType, kind string) string {
	ct, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	if ext, ok := extByType[strings.TrimSpace(ct)]; ok {
		return ext
	}
	if kind == common.KindClips {
		return "mp4"
	}
	return "jpg"
}

// ContentType guesses the media type from key's extension.
func ContentType(key string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(key)), ".")
	if ct, ok := typeByExt[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
