package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Request body ceilings.
const (
	DefaultBodyBytes int64 = 1 << 20
	SmallBodyBytes   int64 = 64 << 10
	// GitHub sends push payloads up to 25MB.
	WebhookBodyBytes int64 = 25 << 20
)

// BodySizeLimit rejects declared oversize bodies with 413 and caps the
// reader for chunked ones. Safe methods pass through.
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":     "request body too large",
				"max_bytes": maxBytes,
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func DefaultBodyLimit() gin.HandlerFunc { return BodySizeLimit(DefaultBodyBytes) }

// SmallBodyLimit guards login and other credential endpoints.
func SmallBodyLimit() gin.HandlerFunc { return BodySizeLimit(SmallBodyBytes) }

func WebhookBodyLimit() gin.HandlerFunc { return BodySizeLimit(WebhookBodyBytes) }
