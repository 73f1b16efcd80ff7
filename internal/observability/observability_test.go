package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewLogger_Formats(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"text info", "info", "text", false},
		{"json debug", "debug", "json", false},
		{"defaults", "", "", false},
		{"warn alias", "warning", "text", false},
		{"bad level", "loud", "text", true},
		{"bad format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := NewLogger(&buf, tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLogger error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && logger == nil {
				t.Fatal("expected a logger")
			}
		})
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "text")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	logger.Info("invisible")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "invisible") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record should be emitted")
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	if err != nil || lvl != slog.LevelDebug {
		t.Errorf("ParseLevel(DEBUG) = %v, %v", lvl, err)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	// None of these may panic on a nil receiver.
	m.AddEventPublished(ctx, "test_failed")
	m.AddEventDelivered(ctx, "test_failed")
	m.AddEventDropped(ctx, "test_failed")
	m.AddHandlerError(ctx, "test_failed")
	m.AddIncidentEscalated(ctx, "deployer")
	m.AddIncidentSuppressed(ctx, "deployer")
	m.AddPluginLoad(ctx, "foo")
	m.AddPluginFailure(ctx, "foo", "import")
}

func TestMetrics_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider.Meter("vigil-test"))
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	ctx := context.Background()
	m.AddEventPublished(ctx, "test_failed")
	m.AddEventPublished(ctx, "test_failed")
	m.AddIncidentEscalated(ctx, "deployer")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	sums := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, inst := range scope.Metrics {
			if sum, ok := inst.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[inst.Name] += dp.Value
				}
			}
		}
	}

	if sums["vigil.events.published"] != 2 {
		t.Errorf("events.published = %d, want 2", sums["vigil.events.published"])
	}
	if sums["vigil.incidents.escalated"] != 1 {
		t.Errorf("incidents.escalated = %d, want 1", sums["vigil.incidents.escalated"])
	}
}
