package config

import (
	"testing"
	"time"
)

func TestWorkerConfigConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workbooks.Paths = []string{"/data/a.xlsx", "/data/b.xlsx"}
	cfg.Workbooks.MaxRetries = 7
	cfg.Workbooks.RetryDelay = Duration(time.Second)
	cfg.Workbooks.SettleDelay = Duration(3 * time.Second)

	wc := cfg.WorkerConfig()
	if len(wc.Resources) != 2 {
		t.Errorf("Resources = %v", wc.Resources)
	}
	if wc.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", wc.MaxRetries)
	}
	if wc.RetryDelay != time.Second || wc.SettleDelay != 3*time.Second {
		t.Errorf("delays = %s/%s", wc.RetryDelay, wc.SettleDelay)
	}
}

func TestRetryPolicyConversion(t *testing.T) {
	pc := PortalConfig{MaxAttempts: 4, RetryDelay: Duration(500 * time.Millisecond)}
	policy := pc.RetryPolicy()

	if policy.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", policy.MaxAttempts)
	}
	if policy.Delay != 500*time.Millisecond {
		t.Errorf("Delay = %s", policy.Delay)
	}
	if policy.RetryIf == nil {
		t.Error("RetryIf = nil")
	}
}

func TestWatchPathsFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workbooks.Paths = []string{"/data/east.xlsx", "/data/west.xlsx", "/other/north.xlsx"}

	dirs := cfg.WatchPaths()
	want := []string{"/data", "/other"}
	if len(dirs) != len(want) {
		t.Fatalf("WatchPaths() = %v, want %v", dirs, want)
	}
	for i := range want {
		if dirs[i] != want[i] {
			t.Errorf("WatchPaths()[%d] = %q, want %q", i, dirs[i], want[i])
		}
	}

	cfg.Watch.Paths = []string{"/explicit"}
	if dirs := cfg.WatchPaths(); len(dirs) != 1 || dirs[0] != "/explicit" {
		t.Errorf("WatchPaths() = %v, want the explicit list", dirs)
	}
}

func TestTelemetryBuild(t *testing.T) {
	tc := TelemetryConfig{
		LogLevel:        "debug",
		LogFormat:       "json",
		TracingEnabled:  true,
		TracingEndpoint: "collector:4317",
		MetricsEnabled:  true,
		PushGateway:     "http://gateway:9091",
	}

	built := tc.Build("1.2.3")
	if built.ServiceVersion != "1.2.3" {
		t.Errorf("ServiceVersion = %q", built.ServiceVersion)
	}
	if built.Logging.Level != "debug" || built.Logging.Format != "json" {
		t.Errorf("Logging = %+v", built.Logging)
	}
	if !built.Tracing.Enabled || built.Tracing.Endpoint != "collector:4317" {
		t.Errorf("Tracing = %+v", built.Tracing)
	}
	if !built.Metrics.Enabled || built.Metrics.PushGateway != "http://gateway:9091" {
		t.Errorf("Metrics = %+v", built.Metrics)
	}

	if err := built.Validate(); err != nil {
		t.Errorf("built config does not validate: %v", err)
	}
}
