package metrics

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"blockbatch/core/events"
	"blockbatch/core/types"
)

type namedEvent string

func (e namedEvent) EventType() string { return string(e) }

func TestEmitCountsEventsAndTransfers(t *testing.T) {
	m := newEscrowMetrics()
	m.Emit(namedEvent("escrow.funded"))
	m.Emit(namedEvent("escrow.funded"))
	m.Emit(events.Transfer{Token: "usdc", Amount: big.NewInt(5)})
	m.Emit(nil)

	if got := testutil.ToFloat64(m.events.WithLabelValues("escrow.funded")); got != 2 {
		t.Fatalf("expected 2 funded events, got %v", got)
	}
	if got := testutil.ToFloat64(m.transfers.WithLabelValues("USDC")); got != 1 {
		t.Fatalf("expected 1 transfer, got %v", got)
	}
}

func TestObserveOperation(t *testing.T) {
	m := newEscrowMetrics()
	m.ObserveOperation("release", "", time.Millisecond)
	m.ObserveOperation("release", "conditions_not_met", time.Millisecond)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("release", "ok")); got != 1 {
		t.Fatalf("expected one successful release, got %v", got)
	}
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	if got := testutil.ToFloat64(m.subscribers); got != 1 {
		t.Fatalf("expected one subscriber, got %v", got)
	}
	var nilMetrics *EscrowMetrics
	nilMetrics.ObserveOperation("x", "", 0)
	nilMetrics.Emit(namedEvent("x"))
}

type payloadEvent struct{ evt *types.Event }

func (p payloadEvent) EventType() string   { return p.evt.Type }
func (p payloadEvent) Event() *types.Event { return p.evt }

func TestStreamDropCounterReadsBroker(t *testing.T) {
	broker := events.NewBroker()
	counter := NewStreamDropCounter(broker)
	_, cancel := broker.Subscribe(1)
	defer cancel()

	for i := 0; i < 3; i++ {
		broker.Emit(payloadEvent{evt: &types.Event{Type: "escrow.funded"}})
	}
	if got := testutil.ToFloat64(counter); got != 2 {
		t.Fatalf("expected 2 dropped events, got %v", got)
	}
}
