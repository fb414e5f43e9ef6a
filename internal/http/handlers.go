package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"phim/internal/codec"
	"phim/internal/config"
	"phim/internal/pipeline"
)

// Rewriter rewrites HTML documents and fragments.
type Rewriter interface {
	RewriteDocument(ctx context.Context, markup string) (string, error)
	RewriteFragment(ctx context.Context, markup string) (string, error)
}

// Pipeline processes single references and purges the cache.
type Pipeline interface {
	Process(ctx context.Context, ref string) (*pipeline.Result, error)
	Purge() error
}

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	rewriter Rewriter
	pipeline Pipeline
	cacheDir string
}

func New(config *config.Config, logger *zap.Logger, rewriter Rewriter, p Pipeline, cacheDir string) *Handlers {
	return &Handlers{
		config:   config,
		logger:   logger,
		rewriter: rewriter,
		pipeline: p,
		cacheDir: cacheDir,
	}
}

// Routes registers every endpoint on a new mux wrapped in the middleware.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/rewrite", h.HandleRewrite)
	mux.HandleFunc("/api/process", h.HandleProcess)
	mux.HandleFunc("/api/purge", h.HandlePurge)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/"+config.CacheDirName+"/", h.HandleCached)

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else if origin == "" {
			allowedOrigin = "*"
		} else if strings.HasPrefix(origin, "http://"+r.Host) || strings.HasPrefix(origin, "https://"+r.Host) {
			allowedOrigin = origin
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleRewrite rewrites the posted HTML. When some images fail the
// partially rewritten markup is still returned, with status 422 and the
// failure count in X-Phim-Errors.
func (h *Handlers) HandleRewrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	rewrite := h.rewriter.RewriteDocument
	if isTrue(r.URL.Query().Get("fragment")) {
		rewrite = h.rewriter.RewriteFragment
	}

	out, err := rewrite(r.Context(), string(body))
	if err != nil && out == "" {
		h.logger.Error("Failed to rewrite markup", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err != nil {
		failures := multierr.Errors(err)
		w.Header().Set("X-Phim-Errors", strconv.Itoa(len(failures)))
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	w.Write([]byte(out))
}

func (h *Handlers) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	src := r.URL.Query().Get("src")
	if src == "" {
		http.Error(w, "Missing src", http.StatusBadRequest)
		return
	}

	result, err := h.pipeline.Process(r.Context(), src)
	if err != nil {
		h.logger.Error("Failed to process image", zap.String("src", src), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.config.IsAdminPublic() && h.bearerToken(r) != h.config.AdminToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.pipeline.Purge(); err != nil {
		h.logger.Error("Failed to purge cache", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleCached serves encoded derivatives from the cache directory. Names
// are derived from content-stable keys, so responses are cacheable
// indefinitely. Extensionless originals and temp files are never served.
func (h *Handlers) HandleCached(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := path.Base(r.URL.Path)
	if !isDerivativeName(name) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=31536000")
	http.ServeFile(w, r, filepath.Join(h.cacheDir, name))
}

func (h *Handlers) bearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

// isDerivativeName accepts <key>.<format> and <key>-<label>.<format> where
// format has an encoder.
func isDerivativeName(name string) bool {
	ext := path.Ext(name)
	if ext == "" || len(ext) == len(name) {
		return false
	}
	return codec.Supported(ext[1:])
}

func isTrue(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
