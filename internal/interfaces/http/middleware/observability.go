package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/keystore/pkg/constants"
)

const traceIDKey = constants.ContextKeyTraceID

// RequestObserver receives one observation per finished request.
type RequestObserver interface {
	ActiveRequestsInc()
	ActiveRequestsDec()
	ObserveRequest(method, path string, status int, duration time.Duration)
}

// Tracing starts a server span per request, continuing any trace carried by
// the incoming headers. The trace id is exposed as X-Trace-ID and stored on
// both the gin and the request context.
func Tracing(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := routeOf(c)
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
				semconv.HTTPTargetKey.String(c.Request.URL.Path),
			),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID := sc.TraceID().String()
			c.Set(string(traceIDKey), traceID)
			c.Header(constants.HeaderTraceID, traceID)
			ctx = context.WithValue(ctx, traceIDKey, traceID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
	}
}

// Metrics records request count, latency and in-flight gauge on observer.
// Paths are labelled with the route template to bound cardinality.
func Metrics(observer RequestObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		observer.ActiveRequestsInc()
		defer observer.ActiveRequestsDec()

		c.Next()

		observer.ObserveRequest(c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}

func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "not_found"
}
