package tracing

import (
	"context"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel"
)

func TestInit(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		shutdown, err := Init(ctx, domain.TracingConfig{}, "test")
		if err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		if err := shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})

	t.Run("EnabledWithoutExporter", func(t *testing.T) {
		prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
		t.Cleanup(func() {
			otel.SetTracerProvider(prevTP)
			otel.SetTextMapPropagator(prevProp)
		})

		shutdown, err := Init(ctx, domain.TracingConfig{Enabled: true}, "test")
		if err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		defer shutdown(ctx)

		_, span := otel.Tracer("test").Start(ctx, "op")
		defer span.End()
		if !span.SpanContext().TraceID().IsValid() {
			t.Error("expected SDK provider to issue valid trace IDs")
		}

		fields := otel.GetTextMapPropagator().Fields()
		if len(fields) == 0 {
			t.Error("expected W3C propagators to be installed")
		}
	})
}
