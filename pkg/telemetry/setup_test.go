package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitDisabledLeavesProviderUntouched(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown := Init(context.Background(), Options{ServiceName: "test", Enabled: false})
	if shutdown == nil {
		t.Fatal("shutdown func must not be nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("disabled init must not replace the global provider")
	}
}

func TestInitEnabledInstallsProvider(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	// Out-of-range ratios are clamped rather than rejected.
	shutdown := Init(context.Background(), Options{ServiceName: "test", Enabled: true, SampleRatio: 7})
	if otel.GetTracerProvider() == before {
		t.Fatal("enabled init must install a provider")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
