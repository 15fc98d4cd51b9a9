package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/presence"
	"github.com/rs/zerolog"
)

// SecretHeader carries the write secret.
const SecretHeader = "X-Presence-Secret"

// LoggingMiddleware logs every request after it is handled.
func LoggingMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()

		logger.Info().
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Str("remote_addr", ctx.ClientIP()).
			Int("status", ctx.Writer.Status()).
			Int("size", ctx.Writer.Size()).
			Msg("Request")
	}
}

// MetricsMiddleware counts requests by route, method and status code.
func MetricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestsTotal.WithLabelValues(route, ctx.Request.Method, strconv.Itoa(ctx.Writer.Status())).Inc()
	}
}

// VisitMiddleware feeds successful requests into the visit counters.
func VisitMiddleware(engine *presence.Engine) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()

		if ctx.Writer.Status() < http.StatusBadRequest {
			engine.RecordVisit(ctx.Request.URL.Path)
		}
	}
}

// SecretMiddleware rejects requests that do not present the secret. It is
// accepted from a JSON body field, the secret query parameter, the
// X-Presence-Secret header or a bearer token.
func SecretMiddleware(secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if secret == "" || matchSecret(ctx, secret) {
			ctx.Next()
			return
		}
		abort(ctx, http.StatusUnauthorized, "not authorized", "wrong secret")
	}
}

func matchSecret(ctx *gin.Context, secret string) bool {
	equal := func(candidate string) bool {
		return candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1
	}

	if ctx.Request.Method == http.MethodPost && ctx.ContentType() == binding.MIMEJSON {
		var body struct {
			Secret string `json:"secret"`
		}
		// The body is cached for the handler's own binding.
		if err := ctx.ShouldBindBodyWith(&body, binding.JSON); err == nil && equal(body.Secret) {
			return true
		}
	}
	if equal(ctx.Query("secret")) {
		return true
	}
	if equal(ctx.GetHeader(SecretHeader)) {
		return true
	}
	if token, ok := strings.CutPrefix(ctx.GetHeader("Authorization"), "Bearer "); ok && equal(token) {
		return true
	}
	return false
}
