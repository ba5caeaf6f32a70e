package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/fieldcap/internal/timex"
)

// JsonConfig is the on-disk shape of the optional config file. Durations
// accept "15m" style strings as well as integer nanoseconds.
//
// Only fields present in the file override the defaults; booleans are
// pointers so an explicit false can be told apart from "not set".
type JsonConfig struct {
	Env                 string         `json:"env"`
	HTTPAddr            string         `json:"http_addr"`
	PublicBaseURL       string         `json:"public_base_url"`
	SigningSecret       string         `json:"signing_secret"`
	TokenTTL            timex.Duration `json:"token_ttl"`
	PresignGetTTL       timex.Duration `json:"presign_get_ttl"`
	StoreDriver         string         `json:"store_driver"`
	S3Endpoint          string         `json:"s3_endpoint"`
	S3Region            string         `json:"s3_region"`
	S3AccessKey         string         `json:"s3_access_key"`
	S3SecretKey         string         `json:"s3_secret_key"`
	PhotosBucket        string         `json:"s3_bucket_photos"`
	ClipsBucket         string         `json:"s3_bucket_clips"`
	IndexBucket         string         `json:"s3_bucket_index"`
	IndexSafeAppend     *bool          `json:"index_safe_append"`
	MaxEventsPerDay     int            `json:"max_events_per_day"`
	MaxIndexRetries     int            `json:"max_index_retries"`
	MaxUploadBytes      int64          `json:"max_upload_bytes"`
	EnableTestEndpoints *bool          `json:"enable_test_endpoints"`
	LogLevel            string         `json:"log_level"`
	LogFormat           string         `json:"log_format"`
	CORSOrigins         []string       `json:"cors_origins"`
}

// parseJSON reads the file at path and overlays its values onto config.
func parseJSON(config *Config, path string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return err
	}

	setString(&config.Env, c.Env)
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.PublicBaseURL, c.PublicBaseURL)
	setString(&config.SigningSecret, c.SigningSecret)
	setString(&config.StoreDriver, c.StoreDriver)
	setString(&config.S3Endpoint, c.S3Endpoint)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	setString(&config.PhotosBucket, c.PhotosBucket)
	setString(&config.ClipsBucket, c.ClipsBucket)
	setString(&config.IndexBucket, c.IndexBucket)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)

	if c.TokenTTL.Duration > 0 {
		config.TokenTTL = c.TokenTTL.Duration
	}
	if c.PresignGetTTL.Duration > 0 {
		config.PresignGetTTL = c.PresignGetTTL.Duration
	}
	if c.MaxEventsPerDay > 0 {
		config.MaxEventsPerDay = c.MaxEventsPerDay
	}
	if c.MaxIndexRetries > 0 {
		config.MaxIndexRetries = c.MaxIndexRetries
	}
	if c.MaxUploadBytes > 0 {
		config.MaxUploadBytes = c.MaxUploadBytes
	}
	if c.IndexSafeAppend != nil {
		config.IndexSafeAppend = *c.IndexSafeAppend
	}
	if c.EnableTestEndpoints != nil {
		config.EnableTestEndpoints = *c.EnableTestEndpoints
	}
	if len(c.CORSOrigins) > 0 {
		config.CORSOrigins = c.CORSOrigins
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
