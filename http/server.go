// Package http serves images over HTTP through the image cache.
//
// Routes:
//
//	POST   /v1/images       store an image on the backend
//	GET    /v1/images/{id}  stream an image through the cache
//	HEAD   /v1/images/{id}  image metadata from the backend
//	DELETE /v1/images/{id}  delete an image and invalidate its cache entry
//	GET    /healthz         liveness and active cache driver
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"

	"github.com/meigma/imagecache"
	"github.com/meigma/imagecache/backend"
)

// Header names.
const (
	HeaderCache     = "X-Cache"
	HeaderName      = "X-Image-Meta-Name"
	HeaderPublic    = "X-Image-Meta-Is-Public"
	HeaderChecksum  = "X-Image-Meta-Checksum"
	HeaderSize      = "X-Image-Meta-Size"
	HeaderCreatedAt = "X-Image-Meta-Created-At"
)

// X-Cache values.
const (
	CacheHit    = "HIT"
	CacheMiss   = "MISS"
	CacheBypass = "BYPASS"
)

// Server is an HTTP front end for a backend store and its cache.
type Server struct {
	cache  *imagecache.Cache
	store  backend.Store
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for access and error logs.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server that reads images through c and stores and
// deletes them on store. c must read through to store.
func NewServer(c *imagecache.Cache, store backend.Store, opts ...Option) *Server {
	s := &Server{cache: c, store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the server's routes wrapped with access logging.
func (s *Server) Handler() nethttp.Handler {
	mux := nethttp.NewServeMux()
	mux.HandleFunc("POST /v1/images", s.handleCreate)
	mux.HandleFunc("GET /v1/images/{id}", s.handleGet)
	mux.HandleFunc("HEAD /v1/images/{id}", s.handleHead)
	mux.HandleFunc("DELETE /v1/images/{id}", s.handleDelete)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.accessLog(mux)
}

type imageJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	IsPublic  bool      `json:"is_public"`
	CreatedAt time.Time `json:"created_at"`
}

type createResponse struct {
	Image imageJSON `json:"image"`
}

func (s *Server) handleCreate(w nethttp.ResponseWriter, r *nethttp.Request) {
	meta := backend.Meta{Name: r.Header.Get(HeaderName)}
	if v := r.Header.Get(HeaderPublic); v != "" {
		public, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, nethttp.StatusBadRequest, "invalid "+HeaderPublic+" header")
			return
		}
		meta.Public = public
	}

	info, err := s.store.Put(r.Context(), meta, r.Body)
	if err != nil {
		s.log().Error("store image", "name", meta.Name, "err", err)
		s.writeError(w, nethttp.StatusInternalServerError, "failed to store image")
		return
	}
	s.log().Info("stored image", "id", info.ID, "bytes", info.Size)

	w.Header().Set("Location", "/v1/images/"+info.ID)
	s.writeJSON(w, nethttp.StatusCreated, createResponse{Image: imageJSON{
		ID:        info.ID,
		Name:      info.Name,
		Checksum:  info.Digest.String(),
		Size:      info.Size,
		IsPublic:  info.Public,
		CreatedAt: info.CreatedAt,
	}})
}

func (s *Server) handleGet(w nethttp.ResponseWriter, r *nethttp.Request) {
	id := r.PathValue("id")
	resp, err := s.cache.Fetch(r.Context(), id)
	if err != nil {
		s.backendError(w, id, err)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	setMetaHeaders(h, resp.Info)
	h.Set(HeaderCache, cacheHeader(resp.Source))
	h.Set("Content-Type", "application/octet-stream")
	if resp.Info.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.Info.Size, 10))
	}
	w.WriteHeader(nethttp.StatusOK)

	if n, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already sent; the client sees a short body.
		s.log().Warn("stream image", "id", id, "bytes", n, "source", resp.Source.String(), "err", err)
	}
}

func (s *Server) handleHead(w nethttp.ResponseWriter, r *nethttp.Request) {
	id := r.PathValue("id")
	info, err := s.store.Stat(r.Context(), id)
	if err != nil {
		s.backendError(w, id, err)
		return
	}
	h := w.Header()
	setMetaHeaders(h, info)
	if info.Name != "" {
		h.Set(HeaderName, info.Name)
	}
	h.Set(HeaderPublic, strconv.FormatBool(info.Public))
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(nethttp.StatusOK)
}

func (s *Server) handleDelete(w nethttp.ResponseWriter, r *nethttp.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.backendError(w, id, err)
		return
	}
	if err := s.cache.Delete(r.Context(), id); err != nil {
		// The backend object is gone; a stale entry is reclaimed by pruning.
		s.log().Warn("invalidate cache entry", "id", id, "err", err)
	}
	s.log().Info("deleted image", "id", id)
	w.WriteHeader(nethttp.StatusNoContent)
}

type healthResponse struct {
	Status string `json:"status"`
	Cache  string `json:"cache"`
}

func (s *Server) handleHealth(w nethttp.ResponseWriter, _ *nethttp.Request) {
	s.writeJSON(w, nethttp.StatusOK, healthResponse{Status: "ok", Cache: s.cache.DriverName()})
}

func (s *Server) backendError(w nethttp.ResponseWriter, id string, err error) {
	if errors.Is(err, backend.ErrNotFound) {
		s.writeError(w, nethttp.StatusNotFound, "image not found")
		return
	}
	s.log().Error("backend request failed", "id", id, "err", err)
	s.writeError(w, nethttp.StatusBadGateway, "backend unavailable")
}

func setMetaHeaders(h nethttp.Header, info backend.Info) {
	if info.Digest != "" {
		h.Set(HeaderChecksum, info.Digest.String())
	}
	h.Set(HeaderSize, strconv.FormatInt(info.Size, 10))
	if !info.CreatedAt.IsZero() {
		h.Set(HeaderCreatedAt, info.CreatedAt.UTC().Format(time.RFC3339))
	}
}

func cacheHeader(src imagecache.Source) string {
	switch src {
	case imagecache.SourceCache:
		return CacheHit
	case imagecache.SourceBackend:
		return CacheMiss
	default:
		return CacheBypass
	}
}

func (s *Server) writeJSON(w nethttp.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func (s *Server) writeError(w nethttp.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// accessLog logs one line per request.
func (s *Server) accessLog(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log().Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
			"cache", w.Header().Get(HeaderCache),
		)
	})
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}
