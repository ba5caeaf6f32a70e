package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseEnv overlays environment variables onto config. Durations accept Go
// duration strings ("15m") or plain seconds ("900").
func parseEnv(config *Config, getenv func(string) string) error {
	e := envReader{getenv: getenv}

	e.str("ENV", &config.Env)
	e.str("HTTP_ADDR", &config.HTTPAddr)
	e.str("PUBLIC_BASE_URL", &config.PublicBaseURL)
	e.str("SIGNING_SECRET", &config.SigningSecret)
	e.dur("TOKEN_TTL", &config.TokenTTL)
	e.dur("PRESIGN_GET_TTL", &config.PresignGetTTL)
	e.str("STORE_DRIVER", &config.StoreDriver)
	e.str("S3_ENDPOINT", &config.S3Endpoint)
	e.str("S3_REGION", &config.S3Region)
	e.str("S3_ACCESS_KEY", &config.S3AccessKey)
	e.str("S3_SECRET_KEY", &config.S3SecretKey)
	e.str("S3_BUCKET_PHOTOS", &config.PhotosBucket)
	e.str("S3_BUCKET_CLIPS", &config.ClipsBucket)
	e.str("S3_BUCKET_INDEX", &config.IndexBucket)
	e.boolean("INDEX_SAFE_APPEND", &config.IndexSafeAppend)
	e.integer("MAX_EVENTS_PER_DAY", &config.MaxEventsPerDay)
	e.integer("MAX_INDEX_RETRIES", &config.MaxIndexRetries)
	e.int64("MAX_UPLOAD_BYTES", &config.MaxUploadBytes)
	e.boolean("ENABLE_TEST_ENDPOINTS", &config.EnableTestEndpoints)
	e.str("LOG_LEVEL", &config.LogLevel)
	e.str("LOG_FORMAT", &config.LogFormat)

	if v := strings.TrimSpace(getenv("CORS_ORIGINS")); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		config.CORSOrigins = origins
	}

	return e.err
}

// envReader remembers the first malformed variable so parseEnv can report it.
type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(k string) (string, bool) {
	v := strings.TrimSpace(e.getenv(k))
	return v, v != ""
}

func (e *envReader) fail(k, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("env %s=%q: %w", k, v, err)
	}
}

func (e *envReader) str(k string, dst *string) {
	if v, ok := e.lookup(k); ok {
		*dst = v
	}
}

func (e *envReader) boolean(k string, dst *bool) {
	v, ok := e.lookup(k)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(k, v, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(k string, dst *int) {
	v, ok := e.lookup(k)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(k, v, err)
		return
	}
	*dst = n
}

func (e *envReader) int64(k string, dst *int64) {
	v, ok := e.lookup(k)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(k, v, err)
		return
	}
	*dst = n
}

func (e *envReader) dur(k string, dst *time.Duration) {
	v, ok := e.lookup(k)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(k, v, err)
		return
	}
	*dst = d
}
