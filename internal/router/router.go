package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/mux"

	"github.com/feedmesh/go-feedmesh/internal/gateway"
	"github.com/feedmesh/go-feedmesh/internal/groups"
	"github.com/feedmesh/go-feedmesh/internal/ingest"
	"github.com/feedmesh/go-feedmesh/internal/push"
	"github.com/feedmesh/go-feedmesh/internal/router/controllers"
	"github.com/feedmesh/go-feedmesh/internal/router/middlewares"
	"github.com/feedmesh/go-feedmesh/internal/router/rpcservice"
)

// ConfiguredRouter returns a fully configured Router that can be used as an http handler.
func ConfiguredRouter(
	maxRPI uint64,
	rateLimInterval time.Duration,
	gw gateway.Gateway,
	grp groups.Groups,
	psh push.Push,
	ing *ingest.Ingestor,
	stats controllers.StatsProvider,
) (*Router, error) {
	rpcService := rpcservice.NewRPCService(gw, grp, psh)
	server := rpc.NewServer()
	if err := server.RegisterName("feedmesh", rpcService); err != nil {
		return nil, fmt.Errorf("failed to register a json-rpc service: %s", err)
	}
	if ing != nil {
		if err := server.RegisterName("ingest", rpcservice.NewIngestService(ing)); err != nil {
			return nil, fmt.Errorf("failed to register the ingest json-rpc service: %s", err)
		}
	}
	infraController := controllers.NewInfraController()
	systemController := controllers.NewSystemController(stats)

	// General router configuration.
	router := NewRouter()
	router.Use(middlewares.CORS, middlewares.TraceID)

	// RPC configuration.
	cfg := middlewares.RateLimiterConfig{
		Default: middlewares.RateLimiterRouteConfig{
			MaxRPI:   maxRPI,
			Interval: rateLimInterval,
		},
		JSONRPCRoute: "/rpc",
	}
	rateLim, err := middlewares.RateLimitController(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating rate limit controller middleware: %s", err)
	}

	router.Post("/rpc", func(rw http.ResponseWriter, r *http.Request) {
		server.ServeHTTP(rw, r)
	}, middlewares.WithLogging, middlewares.OtelHTTP("rpc"), rateLim)

	router.Get("/version", infraController.Version, middlewares.WithLogging, middlewares.OtelHTTP("Version"), rateLim)            // nolint
	router.Get("/cache/stats", systemController.CacheStats, middlewares.WithLogging, middlewares.OtelHTTP("CacheStats"), rateLim) // nolint

	// Health endpoint configuration.
	router.Get("/healthz", healthHandler)
	router.Get("/health", healthHandler)

	return router, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Router provides a nice api around mux.Router.
type Router struct {
	r *mux.Router
}

// NewRouter is a Mux HTTP router constructor.
func NewRouter() *Router {
	r := mux.NewRouter()
	r.PathPrefix("/").Methods(http.MethodOptions) // accept OPTIONS on all routes and do nothing
	return &Router{r: r}
}

// Get creates a subroute on the specified URI that only accepts GET. You can provide specific middlewares.
func (r *Router) Get(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodGet)
	sub.Use(mid...)
}

// Post creates a subroute on the specified URI that only accepts POST. You can provide specific middlewares.
func (r *Router) Post(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodPost)
	sub.Use(mid...)
}

// Use adds middlewares to all routes. Should be used when a middleware should be execute all all routes (e.g. CORS).
func (r *Router) Use(mid ...mux.MiddlewareFunc) {
	r.r.Use(mid...)
}

// Handler returns the configured router http handler.
func (r *Router) Handler() http.Handler {
	return r.r
}
