package observability

import (
	"context"
	"errors"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	if err := Init(Config{ServiceName: "test", Enabled: false}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if err := Init(Config{Enabled: true, ExporterType: "carrier-pigeon"}); err == nil {
		t.Error("Init() with unknown exporter should fail")
	}
}

func TestStartSpanWithoutInit(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.operation", map[string]any{
		"session_id": "s1",
		"attempt":    1,
		"streaming":  true,
	})
	if ctx == nil {
		t.Fatal("StartSpan() returned nil context")
	}
	if span.Name() != "test.operation" {
		t.Errorf("Name() = %q", span.Name())
	}

	span.SetAttribute("extra", 4.2)
	span.SetError(errors.New("boom"))
	span.End()
	if !span.IsEnded() {
		t.Error("IsEnded() = false after End")
	}
	span.End() // second End is a no-op
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1,b=2", map[string]string{"a": "1", "b": "2"}},
		{"auth=Basic x:y, other = v", map[string]string{"auth": "Basic x:y", "other": "v"}},
		{"key=a=b", map[string]string{"key": "a=b"}},
	}
	for _, tt := range tests {
		got := parseHeaders(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseHeaders(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseHeaders(%q)[%q] = %q, want %q", tt.in, k, got[k], v)
			}
		}
	}
}

func TestMetricsRegistrationIdempotent(t *testing.T) {
	InitMetrics()
	InitMetrics() // second call must not panic

	RecordSubmission("ok", 0)
	RecordPacket("message_delta")
	RecordHistoryOp("append", "ok")
	StreamStarted()
	StreamFinished()
	SetResidentSessions(3)
	RecordAbort()
}
