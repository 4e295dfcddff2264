package middleware

import (
	"compress/gzip"
	"io"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Compression returns gzip middleware for JSON and CSV responses. The
// audit export is the payload that actually benefits; everything else
// is small enough that the pool keeps the overhead negligible.
func Compression() gin.HandlerFunc {
	pool := sync.Pool{
		New: func() interface{} {
			gz, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
			return gz
		},
	}

	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
			c.Next()
			return
		}

		gz := pool.Get().(*gzip.Writer)
		defer pool.Put(gz)
		gz.Reset(c.Writer)

		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")

		wrapped := &gzipResponseWriter{ResponseWriter: c.Writer, gz: gz}
		c.Writer = wrapped

		defer func() {
			gz.Close()
			// Length is unknowable once the body is compressed.
			c.Header("Content-Length", "")
		}()

		c.Next()
	}
}

// gzipResponseWriter routes the body through the gzip writer while the
// headers and status go straight to the underlying writer.
type gzipResponseWriter struct {
	gin.ResponseWriter
	gz *gzip.Writer
}

func (w *gzipResponseWriter) Write(data []byte) (int, error) {
	return w.gz.Write(data)
}

func (w *gzipResponseWriter) WriteString(s string) (int, error) {
	return w.gz.Write([]byte(s))
}
