package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/tessellate-im/tessera/internal/keystore"
)

// Server wraps the HTTP server and mux for the key-server API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(port int, localKey *keystore.LocalKey, source BundleSource, maxBodyBytes int64) *Server {
	return NewServerWithAddress("", port, localKey, source, maxBodyBytes)
}

// NewServerWithAddress creates a new API server with an explicit listen address.
func NewServerWithAddress(listenAddress string, port int, localKey *keystore.LocalKey, source BundleSource, maxBodyBytes int64) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /_matrix/key/v2/server", HandleServerKeys(localKey))
	mux.Handle("GET /_matrix/key/v2/server/{keyId}", HandleServerKeys(localKey))
	mux.Handle("GET /_matrix/key/v2/query/{serverName}", HandleQueryServer(source, localKey))
	mux.Handle("POST /_matrix/key/v2/query",
		RequestBodyLimitMiddleware(maxBodyBytes, HandleQueryBatch(source, localKey)))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
