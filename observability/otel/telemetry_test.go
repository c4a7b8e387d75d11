package otel

import (
	"context"
	"math/big"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"blockbatch/core/events"
)

type namedEvent string

func (n namedEvent) EventType() string { return string(n) }

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,bad,=x,tenant=escrow")
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %v", headers)
	}
	if headers["authorization"] != "Bearer abc" || headers["tenant"] != "escrow" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func TestStartRequiresServiceName(t *testing.T) {
	if _, err := Start(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestSamplerRatio(t *testing.T) {
	if got := sampler(0).Description(); got != sdktrace.ParentBased(sdktrace.AlwaysSample()).Description() {
		t.Fatalf("unexpected default sampler %s", got)
	}
	if got := sampler(0.25).Description(); got != sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description() {
		t.Fatalf("unexpected ratio sampler %s", got)
	}
}

func TestEmitCountsLifecycleEventsAndTransfers(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := Start(context.Background(), Config{ServiceName: "escrowd", Environment: "test", MetricReader: reader})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tel.Shutdown(context.Background())

	var emitter events.Emitter = tel
	emitter.Emit(namedEvent("escrow.funded"))
	emitter.Emit(namedEvent("escrow.funded"))
	emitter.Emit(namedEvent("milestone.paid"))
	emitter.Emit(events.Transfer{Token: "usdc", Amount: big.NewInt(5)})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	byType := map[string]int64{}
	transfers := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				switch m.Name {
				case "escrow.lifecycle.events":
					v, _ := dp.Attributes.Value("type")
					byType[v.AsString()] += dp.Value
				case "escrow.bank.transfers":
					v, _ := dp.Attributes.Value("token")
					transfers[v.AsString()] += dp.Value
				}
			}
		}
	}
	if byType["escrow.funded"] != 2 || byType["milestone.paid"] != 1 || byType["bank.transfer"] != 1 {
		t.Fatalf("unexpected event counts %v", byType)
	}
	if transfers["USDC"] != 1 {
		t.Fatalf("unexpected transfer counts %v", transfers)
	}
	if got := rm.Resource.Attributes(); len(got) == 0 {
		t.Fatalf("expected service resource attributes")
	}
}

func TestNilTelemetryIsInert(t *testing.T) {
	var tel *Telemetry
	tel.Emit(namedEvent("escrow.created"))
	tel.Emit(events.Transfer{})
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
