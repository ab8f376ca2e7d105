package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestOptions_withDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, "esocial-gateway", opts.ServiceName)
	assert.Equal(t, 30*time.Second, opts.ExportInterval)

	opts = Options{ServiceName: "assinador", ExportInterval: time.Second}.withDefaults()
	assert.Equal(t, "assinador", opts.ServiceName)
	assert.Equal(t, time.Second, opts.ExportInterval)
}

func TestSampler(t *testing.T) {
	traceID := trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	params := sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: traceID, Name: "esocial.Send"}

	tests := []struct {
		ratio float64
		want  sdktrace.SamplingDecision
	}{
		{ratio: 1, want: sdktrace.RecordAndSample},
		{ratio: 2, want: sdktrace.RecordAndSample},
		{ratio: 0, want: sdktrace.Drop},
		{ratio: -1, want: sdktrace.Drop},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, sampler(tt.ratio).ShouldSample(params).Decision, "ratio %v", tt.ratio)
	}
}
