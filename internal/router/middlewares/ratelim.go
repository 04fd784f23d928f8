package middlewares

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sethvargo/go-limiter/httplimit"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/feedmesh/go-feedmesh/pkg/errors"
)

// RateLimiterConfig specifies a default rate limiting configuration, plus optional
// per-method overrides for the JSON RPC sub-route with path JSONRPCRoute. i.e:
// particular JSON RPC methods can have different rate limiting.
type RateLimiterConfig struct {
	Default RateLimiterRouteConfig

	JSONRPCRoute        string
	JSONRPCMethodLimits map[string]RateLimiterRouteConfig
}

// RateLimiterRouteConfig specifies the maximum requests per interval, and
// interval length for a rate limiting rule.
type RateLimiterRouteConfig struct {
	MaxRPI   uint64
	Interval time.Duration
}

// RateLimitController creates a new middleware to rate limit requests.
// The limiting key is, in priority order:
// 1. A caller address resolved by an upstream middleware, when present.
// 2. The X-Forwarded-For IP set by a load-balancer in the infrastructure.
// 3. The connection remote address.
func RateLimitController(cfg RateLimiterConfig) (mux.MiddlewareFunc, error) {
	keyFunc := func(r *http.Request) (string, error) {
		if address, ok := r.Context().Value(ContextKeyAddress).(string); ok && address != "" {
			return address, nil
		}
		ip, err := extractClientIP(r)
		if err != nil {
			return "", fmt.Errorf("extract client ip: %s", err)
		}
		return ip, nil
	}

	defaultRL, err := createRateLimiter(cfg.Default, keyFunc)
	if err != nil {
		return nil, fmt.Errorf("creating default rate limiter: %s", err)
	}
	methodRLs := make(map[string]*httplimit.Middleware, len(cfg.JSONRPCMethodLimits))
	for method, methodCfg := range cfg.JSONRPCMethodLimits {
		methodRLs[method], err = createRateLimiter(methodCfg, keyFunc)
		if err != nil {
			return nil, fmt.Errorf("creating rate limiter for method %s: %s", method, err)
		}
	}

	return func(next http.Handler) http.Handler {
		defaultHandler := defaultRL.Handle(next)
		methodHandlers := make(map[string]http.Handler, len(methodRLs))
		for method := range methodRLs {
			methodHandlers[method] = methodRLs[method].Handle(next)
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := defaultHandler

			// On the JSON RPC route, sniff the method to pick a per-method limiter.
			if r.URL.Path == cfg.JSONRPCRoute {
				fullBody, err := io.ReadAll(r.Body)
				if err != nil {
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(errors.ServiceError{Message: "reading request body"})
					return
				}
				var rpcMethod struct {
					Method string `json:"method"`
				}
				if err := json.Unmarshal(fullBody, &rpcMethod); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					_ = json.NewEncoder(w).Encode(errors.ServiceError{Message: "request body doesn't have a method field"})
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(fullBody))
				if methodHandler, ok := methodHandlers[rpcMethod.Method]; ok {
					m = methodHandler
				}
			}
			m.ServeHTTP(w, r)
		})
	}, nil
}

func createRateLimiter(cfg RateLimiterRouteConfig, kf httplimit.KeyFunc) (*httplimit.Middleware, error) {
	store, err := memorystore.New(&memorystore.Config{
		Tokens:   cfg.MaxRPI,
		Interval: cfg.Interval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating limiter store: %s", err)
	}
	m, err := httplimit.NewMiddleware(store, kf)
	if err != nil {
		return nil, fmt.Errorf("creating httplimiter: %s", err)
	}
	return m, nil
}

func extractClientIP(r *http.Request) (string, error) {
	// Use the X-Forwarded-For IP if present.
	// e.g: https://cloud.google.com/load-balancing/docs/https#x-forwarded-for_header
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.Split(xff, ",")[0], nil
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("getting ip from remote addr: %s", err)
	}
	return ip, nil
}
