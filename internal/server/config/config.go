// Package config handles configuration for the ingestion server: built-in
// defaults, an optional JSON overlay and finally environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/flagx"
)

// DevSigningSecret is the default token secret. It is reported as weak.
const DevSigningSecret = "dev-signing-secret"

// Store drivers.
const (
	DriverS3     = "s3"
	DriverMemory = "memory"
)

// Config holds runtime settings for the ingestion server.
//
// Fields:
//   - Env: deployment name ("dev", "test", "staging", "prod", ...).
//   - HTTPAddr: bind address for the HTTP listener.
//   - PublicBaseURL: externally visible base used to build upload URLs.
//   - SigningSecret: HMAC secret for capability tokens (HS256).
//   - TokenTTL / PresignGetTTL: lifetime of upload tokens and download URLs.
//   - StoreDriver: "s3" for an S3-compatible backend, "memory" for local runs.
//   - S3*: endpoint, region, credentials and per-kind bucket names.
//   - IndexSafeAppend: CAS protected day index writes; off means last write wins.
//   - MaxEventsPerDay / MaxIndexRetries: day index bounds.
type Config struct {
	Env                 string
	HTTPAddr            string
	PublicBaseURL       string
	SigningSecret       string
	TokenTTL            time.Duration
	PresignGetTTL       time.Duration
	StoreDriver         string
	S3Endpoint          string
	S3Region            string
	S3AccessKey         string
	S3SecretKey         string
	PhotosBucket        string
	ClipsBucket         string
	IndexBucket         string
	IndexSafeAppend     bool
	MaxEventsPerDay     int
	MaxIndexRetries     int
	MaxUploadBytes      int64
	EnableTestEndpoints bool
	LogLevel            string
	LogFormat           string
	CORSOrigins         []string
}

// LoadDefaults populates Config with development defaults.
// NOTE: the signing secret and S3 credentials must be overridden in prod.
func (c *Config) LoadDefaults() {
	c.Env = "dev"
	c.HTTPAddr = ":8080"
	c.PublicBaseURL = "http://127.0.0.1:8080"
	c.SigningSecret = DevSigningSecret
	c.TokenTTL = 15 * time.Minute
	c.PresignGetTTL = 15 * time.Minute
	c.StoreDriver = DriverS3
	c.S3Endpoint = "http://127.0.0.1:9000/"
	c.S3Region = "us-east-1"
	c.S3AccessKey = "admin"
	c.S3SecretKey = "secretpassword"
	c.PhotosBucket = "photos"
	c.ClipsBucket = "clips"
	c.IndexSafeAppend = true
	c.MaxEventsPerDay = 5000
	c.MaxIndexRetries = 5
	c.MaxUploadBytes = 64 << 20
	c.LogLevel = "info"
	c.LogFormat = "json"
	c.CORSOrigins = []string{"*"}
}

// LoadConfig builds a Config from defaults, then the JSON file named by
// -c/-config in args (if any), then environment variables read via getenv.
func LoadConfig(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &Config{}
	cfg.LoadDefaults()

	if path := flagx.ConfigPath(args); path != "" {
		if err := parseJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := parseEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.SigningSecret == "" {
		errs = append(errs, errors.New("signing secret is empty"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.PresignGetTTL <= 0 {
		errs = append(errs, errors.New("presign get ttl must be positive"))
	}
	if c.MaxEventsPerDay <= 0 {
		errs = append(errs, errors.New("max events per day must be positive"))
	}
	if c.MaxIndexRetries <= 0 {
		errs = append(errs, errors.New("max index retries must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if c.StoreDriver != DriverS3 && c.StoreDriver != DriverMemory {
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.StoreDriver == DriverS3 && (c.PhotosBucket == "" || c.ClipsBucket == "") {
		errs = append(errs, errors.New("photos and clips buckets are required"))
	}
	return errors.Join(errs...)
}

// IndexBucketName is where day indices live; the photos bucket unless set.
func (c *Config) IndexBucketName() string {
	if c.IndexBucket != "" {
		return c.IndexBucket
	}
	return c.PhotosBucket
}

// BucketFor maps an upload kind onto its bucket.
func (c *Config) BucketFor(kind string) string {
	if kind == common.KindClips {
		return c.ClipsBucket
	}
	return c.PhotosBucket
}

// TestEndpointsEnabled reports whether the fault injection control plane may
// be mounted. It is never enabled for production-like environments.
func (c *Config) TestEndpointsEnabled() bool {
	if !c.EnableTestEndpoints {
		return false
	}
	switch strings.ToLower(c.Env) {
	case "dev", "development", "test", "staging", "local":
		return true
	}
	return false
}
