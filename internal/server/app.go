// Package server wires configuration, storage and the HTTP surface into a
// running ingestion service and handles graceful shutdown.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/logging"
	"github.com/dmitrijs2005/fieldcap/internal/server/auth"
	"github.com/dmitrijs2005/fieldcap/internal/server/config"
	"github.com/dmitrijs2005/fieldcap/internal/server/dayindex"
	"github.com/dmitrijs2005/fieldcap/internal/server/faults"
	"github.com/dmitrijs2005/fieldcap/internal/server/httpapi"
	"github.com/dmitrijs2005/fieldcap/internal/server/ingest"
	"github.com/dmitrijs2005/fieldcap/internal/server/metrics"
	"github.com/dmitrijs2005/fieldcap/internal/server/notify"
	"github.com/dmitrijs2005/fieldcap/internal/server/services"
	"github.com/dmitrijs2005/fieldcap/internal/server/storage"
)

var newS3Client = storage.NewS3Client

type App struct {
	config *config.Config
	logger logging.Logger
	http   *httpapi.Server
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, c.LogLevel, c.LogFormat)
	return newApp(ctx, c, logger)
}

func newApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	parts, err := buildPartitions(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	issuer := auth.NewIssuer(c.SigningSecret, c.TokenTTL)
	index := dayindex.New(parts.Index, dayindex.Options{
		MaxEventsPerDay: c.MaxEventsPerDay,
		MaxRetries:      c.MaxIndexRetries,
		SafeMode:        c.IndexSafeAppend,
	}, logger, m)
	hub := notify.NewHub(logger, m)
	in := ingest.New(issuer, parts, index, c.MaxUploadBytes, logger, m).WithNotifier(hub)

	deps := httpapi.Deps{
		Config:   c,
		Presign:  services.NewPresignService(issuer, parts, c.PublicBaseURL, c.PresignGetTTL),
		Ingest:   in,
		Index:    index,
		Hub:      hub,
		Gatherer: reg,
		Metrics:  m,
		Logger:   logger,
	}
	if c.TestEndpointsEnabled() {
		h := faults.New()
		in.WithFaults(h)
		deps.Faults = h
	}

	return &App{config: c, logger: logger, http: httpapi.NewServer(deps)}, nil
}

// buildPartitions opens one store per distinct bucket name, so kinds and the
// index may share a bucket.
func buildPartitions(ctx context.Context, c *config.Config) (storage.Partitions, error) {
	stores := make(map[string]storage.ObjectStore)
	var open func(bucket string) storage.ObjectStore

	switch c.StoreDriver {
	case config.DriverMemory:
		open = func(bucket string) storage.ObjectStore { return storage.NewMemoryStore(bucket) }
	case config.DriverS3:
		client, err := newS3Client(ctx, storage.S3Options{
			Endpoint:  c.S3Endpoint,
			Region:    c.S3Region,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
		})
		if err != nil {
			return storage.Partitions{}, err
		}
		open = func(bucket string) storage.ObjectStore { return storage.NewS3Store(client, bucket) }
	default:
		return storage.Partitions{}, fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	get := func(bucket string) storage.ObjectStore {
		if s, ok := stores[bucket]; ok {
			return s
		}
		s := open(bucket)
		stores[bucket] = s
		return s
	}
	return storage.Partitions{
		Photos: get(c.BucketFor(common.KindPhotos)),
		Clips:  get(c.BucketFor(common.KindClips)),
		Index:  get(c.IndexBucketName()),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) warnUnsafeSettings(ctx context.Context) {
	if auth.IsWeakSecret(app.config.SigningSecret, config.DevSigningSecret) {
		app.logger.Warn(ctx, "signing secret is weak; set SIGNING_SECRET to 32+ random characters")
	}
	if !app.config.IndexSafeAppend {
		app.logger.Warn(ctx, "INDEX_SAFE_APPEND is off; concurrent uploads may drop day index entries")
	}
	if app.config.TestEndpointsEnabled() {
		app.logger.Warn(ctx, "fault injection endpoints are mounted", "env", app.config.Env)
	}
}

// Run serves until ctx is canceled or a termination signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "env", app.config.Env, "store", app.config.StoreDriver)
	app.warnUnsafeSettings(ctx)
	app.initSignalHandler(cancelFunc)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.http.Run(gctx)
	})

	err := g.Wait()
	app.logger.Info(ctx, "App stopped")
	return err
}
