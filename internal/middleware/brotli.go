package middleware

import (
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// BrotliConfig tunes response compression.
type BrotliConfig struct {
	Quality int
	// MinLength is the body size at which compression starts. Smaller bodies
	// are sent as they are.
	MinLength int
	Skipper   func(c *gin.Context) bool
	SkipPaths []string
}

// DefaultBrotliConfig starts compressing at 1 KiB. A question page of ten
// questions is well above that; envelopes for answers and progress stay below.
var DefaultBrotliConfig = BrotliConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// brotliWriter holds the body back until it knows whether compressing pays off.
type brotliWriter struct {
	gin.ResponseWriter
	enc       *brotli.Writer
	pending   []byte
	threshold int
	encoding  bool
}

func (w *brotliWriter) Write(p []byte) (int, error) {
	if w.encoding {
		return w.enc.Write(p)
	}
	w.pending = append(w.pending, p...)
	if len(w.pending) < w.threshold {
		return len(p), nil
	}

	w.encoding = true
	h := w.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	if _, err := w.enc.Write(w.pending); err != nil {
		return 0, err
	}
	w.pending = nil
	return len(p), nil
}

func (w *brotliWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Flush pushes whatever is held back to the client: the compressed stream once
// encoding has started, the raw bytes otherwise.
func (w *brotliWriter) Flush() {
	if w.encoding {
		_ = w.enc.Flush()
	} else {
		_ = w.release()
	}
	w.ResponseWriter.Flush()
}

// finish completes the response after the handler chain returns.
func (w *brotliWriter) finish() error {
	if w.encoding {
		return w.enc.Close()
	}
	return w.release()
}

func (w *brotliWriter) release() error {
	if len(w.pending) == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(w.pending)
	w.pending = nil
	return err
}

// Brotli compresses responses for clients that accept br.
func Brotli() gin.HandlerFunc {
	return BrotliWithConfig(DefaultBrotliConfig)
}

// BrotliWithConfig is Brotli with explicit settings.
func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}
	skipPaths := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = struct{}{}
	}

	skip := func(c *gin.Context) bool {
		if _, ok := skipPaths[c.Request.URL.Path]; ok {
			return true
		}
		if streaming(c) || !acceptsBrotli(c.Request) {
			return true
		}
		return cfg.Skipper != nil && cfg.Skipper(c)
	}

	return func(c *gin.Context) {
		if skip(c) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")
		w := &brotliWriter{
			ResponseWriter: c.Writer,
			enc:            brotli.NewWriterLevel(c.Writer, cfg.Quality),
			threshold:      cfg.MinLength,
		}
		c.Writer = w
		defer func() {
			if err := w.finish(); err != nil {
				_ = c.Error(err)
			}
		}()

		c.Next()
	}
}

// streaming reports requests whose connection outlives the handler: the session
// stream hijacks it for WebSocket, event streams write incrementally.
func streaming(c *gin.Context) bool {
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(enc, ";")
		if !strings.EqualFold(strings.TrimSpace(name), "br") {
			continue
		}
		// br;q=0 explicitly refuses the encoding.
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}
