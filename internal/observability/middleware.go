package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// httpStatusServerError is the threshold for HTTP server errors.
const httpStatusServerError = 500

// Error taxonomy used by RecordSpanError and the panic recovery path.
// These identify the shape of a failure (error.type) and, when known,
// which dependency or layer it came from (error.source).
const (
	ErrTypePanic                 = "panic"
	ErrTypeDependencyUnavailable = "dependency_unavailable"
	ErrTypeValidation            = "validation"
	ErrTypeInternal              = "internal"
	ErrSourceDependency          = "dependency"
)

// statusWriter wraps [http.ResponseWriter] to capture the status code.
type statusWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

// WriteHeader captures the status code before delegating to the wrapped writer.
func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}

	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(buf []byte) (int, error) {
	if !sw.written {
		sw.statusCode = http.StatusOK
		sw.written = true
	}

	n, err := sw.ResponseWriter.Write(buf)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}

	return n, nil
}

// HTTPMiddleware returns an [http.Handler] that creates a span per request,
// recovers panics from the wrapped handler, and writes an access log line
// through logger. Span names use route-template format: "METHOD /path".
func HTTPMiddleware(tracer trace.Tracer, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, hr *http.Request) {
		start := time.Now()

		// Extract W3C traceparent/tracestate/baggage from incoming headers.
		parentCtx := otel.GetTextMapPropagator().Extract(hr.Context(), propagation.HeaderCarrier(hr.Header))

		spanName := hr.Method + " " + hr.URL.Path

		ctx, span := tracer.Start(parentCtx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(hr.Method),
				attribute.String("http.target", hr.URL.Path),
			),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: rw}

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			stack := debug.Stack()

			span.SetAttributes(attribute.String("error.type", ErrTypePanic))
			span.AddEvent("panic.stack", trace.WithAttributes(attribute.String("stack", string(stack))))
			span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", rec))

			if !sw.written {
				sw.WriteHeader(http.StatusInternalServerError)
			}

			logAccess(logger, hr, sw.statusCode, time.Since(start))
		}()

		next.ServeHTTP(sw, hr.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.statusCode))

		if sw.statusCode >= httpStatusServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.statusCode))
		}

		logAccess(logger, hr, sw.statusCode, time.Since(start))
	})
}

// logAccess writes a single structured access log line. A nil logger
// disables access logging entirely.
func logAccess(logger *slog.Logger, hr *http.Request, status int, elapsed time.Duration) {
	if logger == nil {
		return
	}

	logger.Info("http.request",
		"method", hr.Method,
		"path", hr.URL.Path,
		"status", status,
		"duration_ms", float64(elapsed.Microseconds())/1000.0,
	)
}

// RecordSpanError marks span as failed and attaches error.type (and, when
// errSource is non-empty, error.source) attributes describing the failure.
func RecordSpanError(span trace.Span, err error, errType, errSource string) {
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.type", errType))

	if errSource != "" {
		span.SetAttributes(attribute.String("error.source", errSource))
	}
}
