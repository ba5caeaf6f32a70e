// Package httpapi exposes the ingestion service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrijs2005/fieldcap/internal/logging"
	"github.com/dmitrijs2005/fieldcap/internal/server/config"
	"github.com/dmitrijs2005/fieldcap/internal/server/dayindex"
	"github.com/dmitrijs2005/fieldcap/internal/server/faults"
	"github.com/dmitrijs2005/fieldcap/internal/server/ingest"
	"github.com/dmitrijs2005/fieldcap/internal/server/metrics"
	"github.com/dmitrijs2005/fieldcap/internal/server/notify"
	"github.com/dmitrijs2005/fieldcap/internal/server/services"
)

const shutdownTimeout = 10 * time.Second

type IndexReader interface {
	Load(ctx context.Context, deviceID, date string) (dayindex.Document, error)
}

// Deps are the collaborators behind the routes. Faults and Hub are optional:
// their routes are only mounted when set.
type Deps struct {
	Config   *config.Config
	Presign  *services.PresignService
	Ingest   *ingest.Service
	Index    IndexReader
	Faults   *faults.Harness
	Hub      *notify.Hub
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   logging.Logger
}

type Server struct {
	deps   Deps
	logger logging.Logger
	engine *gin.Engine
	now    func() time.Time
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Nop{}
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		deps:   d,
		logger: d.Logger.With("module", "http_server"),
		now:    time.Now,
	}
	s.engine = s.routes()
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	if s.deps.Config.Env == "prod" || s.deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(s.requestID())
	r.Use(s.accessLog())
	r.Use(gin.CustomRecovery(s.recovered))
	r.Use(cors.New(corsConfig(s.deps.Config.CORSOrigins)))

	v1 := r.Group("/v1")
	{
		v1.POST("/presign/put", s.presignPut)
		v1.GET("/presign/get", s.presignGet)
		v1.GET("/index/:deviceId/:date", s.dayIndex)
		v1.GET("/healthz", s.healthz)
		if s.deps.Hub != nil {
			v1.GET("/events/ws", s.events)
		}
		if s.deps.Faults != nil {
			v1.POST("/test/faults", s.setFault)
			v1.GET("/test/faults", s.listFaults)
		}
	}
	r.PUT("/fput/:token", s.upload)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Content-Length", requestIDHeader}
	c.ExposeHeaders = []string{requestIDHeader}
	c.AllowWebSockets = true
	c.MaxAge = 12 * time.Hour

	all := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			all = true
		}
	}
	if all {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

// Run serves on the configured address until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.deps.Config.HTTPAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on l until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		if s.deps.Hub != nil {
			s.deps.Hub.Close()
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.logger.Error(ctx, "HTTP shutdown failed", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
