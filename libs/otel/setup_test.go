package otelx

import "testing"

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")

	cfg := ConfigFromEnv("relay-service")
	if !cfg.Enabled {
		t.Fatal("tracing disabled without OTEL_ENABLED set")
	}
	if cfg.ServiceName != "relay-service" || cfg.OTLPEndpoint != "collector:4317" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("sample ratio = %v, want 0.25", cfg.SampleRatio)
	}
}

func TestConfigFromEnvDisabled(t *testing.T) {
	for _, v := range []string{"false", "0", "off"} {
		t.Setenv("OTEL_ENABLED", v)
		if cfg := ConfigFromEnv("svc"); cfg.Enabled {
			t.Fatalf("OTEL_ENABLED=%q left tracing enabled", v)
		}
	}
}
