package rpc

import (
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins is a comma separated CORS origin list.
	AllowedOrigins string
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
}

// ParseOrigins splits and normalizes a comma separated origin list.
func ParseOrigins(s string) []string {
	origins := strings.Split(strings.TrimSpace(s), ",")
	for i, o := range origins {
		origins[i] = strings.ToLower(strings.TrimSpace(o))
	}
	return origins
}

// NewHandler mounts the JSON-RPC endpoint on /, the event stream on /ws and
// optionally the metrics on /metrics.
func NewHandler(srv *Server, subs *Subscriptions, opts Options) http.Handler {
	origins := ParseOrigins(opts.AllowedOrigins)

	router := mux.NewRouter()
	router.Path("/").Methods(http.MethodPost).Handler(srv)
	if subs != nil {
		router.Path("/ws").Methods(http.MethodGet).Handler(subs)
	}
	if opts.Metrics != nil {
		router.Path("/metrics").Methods(http.MethodGet).Handler(opts.Metrics)
	}

	handler := handlers.CompressHandler(router)
	handler = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedHeaders([]string{"content-type"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
	)(handler)

	return handler
}
