package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"harvestline/internal/ctxlog"
	"harvestline/internal/rdf"
)

// DefaultMaxBody bounds a single PUT body unless WithMaxBody says otherwise.
const DefaultMaxBody = 64 << 20

// Option tunes Handler.
type Option func(*handler)

// WithMaxBody sets the largest accepted PUT body. Larger bodies are refused
// with 413.
func WithMaxBody(n int64) Option {
	return func(h *handler) { h.maxBody = n }
}

// Handler serves GET, HEAD, PUT and DELETE for every resource under
// namespace. The namespace path is the mount point; the request path maps
// back to the absolute resource URI.
func Handler(s *Store, namespace string, logger *slog.Logger, opts ...Option) (http.Handler, error) {
	u, err := url.Parse(strings.TrimRight(namespace, "/"))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{store: s, base: u.Scheme + "://" + u.Host, maxBody: DefaultMaxBody}
	for _, o := range opts {
		o(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(ctxlog.WithLogger(req.Context(), logger)))
		})
	})
	routes := func(r chi.Router) {
		r.Get("/*", h.get)
		r.Head("/*", h.get)
		r.Put("/*", h.put)
		r.Delete("/*", h.delete)
	}
	if u.Path == "" {
		routes(r)
	} else {
		r.Route(u.Path, routes)
	}
	return r, nil
}

type handler struct {
	store   *Store
	base    string
	maxBody int64
}

func (h *handler) uri(r *http.Request) string {
	return h.base + r.URL.EscapedPath()
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	res, err := h.store.Get(r.Context(), h.uri(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("ETag", res.ETag)
	w.Header().Set("Last-Modified", res.LastModified.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Body)
	}
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.fail(w, r, err)
		} else {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	res, err := h.store.Put(r.Context(), h.uri(r), contentType, body, r.Header.Get("If-Match"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("ETag", res.Resource.ETag)
	w.Header().Set("Last-Modified", res.Resource.LastModified.UTC().Format(http.TimeFormat))
	if res.Created {
		w.Header().Set("Location", res.Resource.URI)
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), h.uri(r), r.Header.Get("If-Match")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		syntax *rdf.SyntaxError
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &tooBig):
		http.Error(w, fmt.Sprintf("body exceeds %d bytes", tooBig.Limit), http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, ErrGone):
		http.Error(w, "gone", http.StatusGone)
	case errors.Is(err, ErrPreconditionFailed):
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
	case errors.As(err, &syntax):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		ctxlog.FromContext(r.Context()).Error("store request failed",
			"method", r.Method, "uri", h.uri(r), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// NewServer wraps the handler in an http.Server with conservative timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
