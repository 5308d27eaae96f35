// Package server implements the BleepFile HTTP server and the file protocol
// route multiplexer.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bleepstore/bleepfile/internal/auth"
	"github.com/bleepstore/bleepfile/internal/config"
	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/handlers"
	"github.com/bleepstore/bleepfile/internal/metadata"
	"github.com/bleepstore/bleepfile/internal/metrics"
	"github.com/bleepstore/bleepfile/internal/storage"
	"github.com/bleepstore/bleepfile/internal/xmlutil"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the BleepFile HTTP server. It routes incoming requests to the
// share, directory and file handlers based on method, path and the restype
// and comp query parameters.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	meta       metadata.MetadataStore
	store      storage.StorageBackend
	verifier   *auth.Verifier
	service    *handlers.ServiceHandler
	shares     *handlers.ShareHandler
	dirs       *handlers.DirectoryHandler
	files      *handlers.FileHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ReadyBody reports the state of each dependency.
type ReadyBody struct {
	Status   string `json:"status" example:"ready" doc:"Readiness status"`
	Metadata string `json:"metadata" example:"ok" doc:"Metadata store status"`
	Storage  string `json:"storage" example:"ok" doc:"Storage backend status"`
}

// ReadyOutput is the Huma output struct for the readiness endpoint.
type ReadyOutput struct {
	Body ReadyBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithMetadataStore sets the metadata store for the server.
func WithMetadataStore(meta metadata.MetadataStore) ServerOption {
	return func(s *Server) {
		s.meta = meta
	}
}

// WithStorageBackend sets the storage backend for the server.
func WithStorageBackend(store storage.StorageBackend) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new Server with the given configuration and wires up the
// file protocol routes on the Chi router with Huma API.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: nil config")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("BleepFile API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	humaConfig.SchemasPath = "/openapi/schemas"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.meta != nil && cfg.Auth.Enabled {
		ttl := time.Duration(cfg.Auth.CredentialCacheTTL) * time.Second
		s.verifier = auth.NewVerifier(s.meta, cfg.Server.AccountName, ttl)
		if cfg.Auth.ClockSkew > 0 {
			s.verifier.ClockSkew = time.Duration(cfg.Auth.ClockSkew) * time.Second
		}
	}

	hopts := handlers.Options{
		DefaultMaxResults: cfg.Listing.DefaultMaxResults,
		MaxResults:        cfg.Listing.MaxResults,
		MaxFileSize:       cfg.Server.MaxFileSize,
		ReadOnly:          cfg.Server.ReadOnly,
	}
	s.service = handlers.NewServiceHandler(s.meta, hopts)
	s.shares = handlers.NewShareHandler(s.meta, s.store, hopts)
	s.dirs = handlers.NewDirectoryHandler(s.meta, hopts)
	s.files = handlers.NewFileHandler(s.meta, s.store, hopts)

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> requestLogger -> transferEncodingCheck
// -> readOnlyGuard -> auth -> metadataHeaderMiddleware -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = metadataHeaderMiddleware(handler)
	if s.verifier != nil {
		handler = auth.Middleware(s.verifier)(handler)
	}
	if s.cfg.Server.ReadOnly {
		handler = readOnlyGuard(handler)
	}
	handler = transferEncodingCheck(handler)
	handler = requestLogger(handler)
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SyncShareGauge sets the shares gauge from the metadata store. The handlers
// keep it current afterwards.
func (s *Server) SyncShareGauge(ctx context.Context) error {
	if s.meta == nil {
		return nil
	}
	var count int
	opts := metadata.ListOptions{MaxResults: metadata.DefaultMaxResults}
	for {
		res, err := s.meta.ListShares(ctx, opts)
		if err != nil {
			return fmt.Errorf("counting shares: %w", err)
		}
		count += len(res.Shares)
		if res.NextMarker == "" {
			break
		}
		opts.Marker = res.NextMarker
	}
	metrics.SharesTotal.Set(float64(count))
	return nil
}

// registerRoutes configures all routes on the Chi router. The documented
// system routes are registered first; the file protocol catch-all last.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Returns the liveness status of the BleepFile server.",
			Tags:        []string{"System"},
		}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
			return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
		})

		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		})

		huma.Register(s.api, huma.Operation{
			OperationID: "get-ready",
			Method:      http.MethodGet,
			Path:        "/ready",
			Summary:     "Readiness check",
			Description: "Checks the metadata store and the storage backend.",
			Tags:        []string{"System"},
		}, s.ready)
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.HandleFunc("/*", s.dispatch)
}

// ready reports whether both backends answer.
func (s *Server) ready(ctx context.Context, _ *struct{}) (*ReadyOutput, error) {
	body := ReadyBody{Status: "ready", Metadata: "ok", Storage: "ok"}
	if s.meta == nil {
		body.Metadata = "not configured"
	} else if err := s.meta.Ping(ctx); err != nil {
		body.Metadata = err.Error()
	}
	if s.store == nil {
		body.Storage = "not configured"
	} else if err := s.store.HealthCheck(ctx); err != nil {
		body.Storage = err.Error()
	}
	if body.Metadata != "ok" || body.Storage != "ok" {
		return nil, huma.Error503ServiceUnavailable(fmt.Sprintf("metadata: %s, storage: %s", body.Metadata, body.Storage))
	}
	return &ReadyOutput{Body: body}, nil
}

// splitPath extracts the share name and the entry path from the request
// path. It returns ("", "") for "/", ("share", "") for "/{share}" and
// ("share", "a/b") for "/{share}/a/b".
func splitPath(path string) (share, rest string) {
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// route selects the operation for a request. A nil handler means the
// combination is not supported; the returned error describes why.
func (s *Server) route(r *http.Request) (string, http.HandlerFunc, *fserr.FileError) {
	share, rest := splitPath(r.URL.Path)
	q := r.URL.Query()
	restype, comp := q.Get("restype"), q.Get("comp")
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}

	if share == "" {
		switch {
		case method == http.MethodGet && comp == "list":
			return "ListShares", s.service.ListShares, nil
		case method == http.MethodGet && restype == "service" && comp == "properties":
			return "GetServiceProperties", s.service.GetProperties, nil
		}
		return "", nil, fserr.ErrUnsupportedHTTPVerb
	}

	switch restype {
	case "share":
		if rest != "" {
			return "", nil, fserr.ErrInvalidUri
		}
		switch method + " " + comp {
		case "PUT ":
			return "CreateShare", s.shares.CreateShare, nil
		case "DELETE ":
			return "DeleteShare", s.shares.DeleteShare, nil
		case "GET ", "GET metadata":
			return "GetShareProperties", s.shares.GetShareProperties, nil
		case "PUT metadata":
			return "SetShareMetadata", s.shares.SetShareMetadata, nil
		case "PUT properties":
			return "SetShareProperties", s.shares.SetShareProperties, nil
		case "GET acl":
			return "GetShareACL", s.shares.GetShareACL, nil
		case "PUT acl":
			return "SetShareACL", s.shares.SetShareACL, nil
		case "GET stats":
			return "GetShareStats", s.shares.GetShareStats, nil
		}
	case "directory":
		switch method + " " + comp {
		case "PUT ":
			return "CreateDirectory", s.dirs.CreateDirectory, nil
		case "DELETE ":
			return "DeleteDirectory", s.dirs.DeleteDirectory, nil
		case "GET ", "GET metadata":
			return "GetDirectoryProperties", s.dirs.GetDirectoryProperties, nil
		case "PUT metadata":
			return "SetDirectoryMetadata", s.dirs.SetDirectoryMetadata, nil
		case "GET list":
			return "ListFilesAndDirectories", s.dirs.ListFilesAndDirectories, nil
		}
	case "":
		if rest == "" {
			return "", nil, fserr.ErrInvalidQueryParameterValue.
				WithExtra("QueryParameterName", "restype")
		}
		switch r.Method + " " + comp {
		case "PUT ":
			if r.Header.Get("x-ms-copy-source") != "" {
				return "CopyFile", s.files.CopyFile, nil
			}
			return "PutFile", s.files.PutFile, nil
		case "GET ":
			return "GetFile", s.files.GetFile, nil
		case "HEAD ", "HEAD metadata", "GET metadata":
			return "GetFileProperties", s.files.GetFileProperties, nil
		case "DELETE ":
			return "DeleteFile", s.files.DeleteFile, nil
		case "PUT metadata":
			return "SetFileMetadata", s.files.SetFileMetadata, nil
		}
	default:
		return "", nil, fserr.ErrInvalidQueryParameterValue.
			WithExtra("QueryParameterName", "restype").
			WithExtra("QueryParameterValue", restype)
	}
	return "", nil, fserr.ErrUnsupportedHTTPVerb
}

// dispatch is the file protocol catch-all. It routes the request and counts
// the operation by name and status.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	op, handler, fErr := s.route(r)
	if handler == nil {
		xmlutil.WriteErrorResponse(w, r, fErr)
		return
	}
	rec := newResponseRecorder(w)
	handler(rec, r)
	metrics.OperationsTotal.WithLabelValues(op, strconv.Itoa(rec.statusCode)).Inc()
}
