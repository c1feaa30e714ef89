package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cluster"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/sizer"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/types"
	"github.com/go-zoo/bone"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultListenAddress is the address of the HTTP server
	DefaultListenAddress = ":16911"
	// DefaultListDepth is the depth of a listing if none is requested
	DefaultListDepth = 1
	// DrilldownWorkers is the default number of concurrent listings served by /api/du
	DrilldownWorkers = 20

	shutdownTimeout = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Collector discovers the writable paths of the node
type Collector interface {
	Collect(ctx context.Context) []types.WritablePathRecord
}

// MountLister returns the mounts of the node with their usage
type MountLister func() ([]types.MountRecord, error)

// Config configures the HTTP surface
type Config struct {
	NodeName string
	// Workers and Timeout are used for every sizing run
	Workers int
	Timeout time.Duration
	// AllowedRoots restricts the paths that can be listed via /api/du, any path if empty
	AllowedRoots []string
	// ListWorkers bounds the concurrent du invocations of /api/du, DrilldownWorkers if zero.
	// Further requests wait for a free slot.
	ListWorkers int
}

// Components are the engine parts served by the HTTP surface.
// Discoverer and Aggregator are optional, without them the cluster endpoints are unavailable.
type Components struct {
	Collector  Collector
	Sizer      *sizer.Sizer
	Lister     *du.Lister
	Mounts     MountLister
	Discoverer cluster.Discoverer
	Aggregator *cluster.Aggregator
}

// Server serves node disk usage via JSON, server sent events and Prometheus metrics
type Server struct {
	log        *logrus.Logger
	config     Config
	components Components
	// listings is a semaphore of the running /api/du listings
	listings chan struct{}
}

// New returns a Server
func New(log *logrus.Logger, config Config, components Components) *Server {
	if config.Workers <= 0 {
		config.Workers = sizer.DefaultWorkers
	}
	if config.Timeout <= 0 {
		config.Timeout = du.DefaultTimeout
	}
	if config.ListWorkers <= 0 {
		config.ListWorkers = DrilldownWorkers
	}
	return &Server{
		log:        log,
		config:     config,
		components: components,
		listings:   make(chan struct{}, config.ListWorkers),
	}
}

// Handler returns the router of all endpoints
func (s *Server) Handler() http.Handler {
	mux := bone.New()

	mux.Get("/healthz", http.HandlerFunc(s.handleHealthz))
	mux.Get("/api/node-info", http.HandlerFunc(s.handleNodeInfo))
	mux.Get("/api/mounts", http.HandlerFunc(s.handleMounts))
	mux.Get("/api/du", http.HandlerFunc(s.handleDu))
	mux.Get("/api/containers/writable", http.HandlerFunc(s.handleWritable))
	mux.Get("/api/containers/writable/stream", http.HandlerFunc(s.handleWritableStream))
	mux.Get("/api/cluster/writable", http.HandlerFunc(s.handleClusterWritable))
	mux.Get("/api/cluster/writable/stream", http.HandlerFunc(s.handleClusterWritableStream))
	mux.Get("/metrics", promhttp.Handler())

	return mux
}

// ListenAndServe serves on address until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("failed to shut down server: %v", err)
		}
	}()

	s.log.Infof("serving on %s", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.log.Debugf("failed to write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
