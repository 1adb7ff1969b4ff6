package tracing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled() {
		t.Error("default config should be disabled")
	}
	_, span := p.Tracer().Start(context.Background(), SpanRun)
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewProvider_FileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "run.jsonl")
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "file"
	cfg.FilePath = path

	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, span := p.Tracer().Start(context.Background(), SpanTask)
	span.SetAttributes(AttrTaskID.String("S1.align"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), SpanTask) || !strings.Contains(string(data), "S1.align") {
		t.Errorf("trace file missing span: %s", data)
	}
}

func TestNewProvider_Errors(t *testing.T) {
	for _, cfg := range []Config{
		{Enabled: true, Exporter: "file"},
		{Enabled: true, Exporter: "zipkin"},
	} {
		if _, err := NewProvider(context.Background(), cfg); err == nil {
			t.Errorf("NewProvider(%+v) should fail", cfg)
		}
	}
}
