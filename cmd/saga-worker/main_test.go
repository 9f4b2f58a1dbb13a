package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloudflow/internal/breaker"
	"cloudflow/internal/eventlog"
	"cloudflow/internal/idempotency"
	"cloudflow/internal/inventory"
	"cloudflow/internal/notify"
	"cloudflow/internal/observability"
	"cloudflow/internal/payment"
	"cloudflow/internal/saga"
	"cloudflow/internal/store/memstore"
	"cloudflow/internal/workerpool"
)

func newTestOrchestrator(t *testing.T) *saga.Orchestrator {
	t.Helper()
	s := memstore.New()
	ledger := idempotency.New(s)
	events := eventlog.New(s)
	invEngine := inventory.New(s, ledger)
	if err := invEngine.SeedProduct(context.Background(), "sku-1", 10, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	breakers := breaker.New(s)
	return saga.New(events, invEngine, payment.NewInMemoryProvider(), breakers, ledger, notify.NewInMemoryProducer())
}

func TestOrdersHandlerAcceptsValidOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	pool := workerpool.New(4)
	handler := ordersHandler(o, pool, observability.NewMetrics())

	body, _ := json.Marshal(submitOrderBody{
		CustomerID: "cust-1",
		Items: []struct {
			ProductID           string `json:"product_id"`
			Quantity             int64  `json:"quantity"`
			UnitPriceMinorUnits  int64  `json:"unit_price_minor_units"`
		}{{ProductID: "sku-1", Quantity: 1, UnitPriceMinorUnits: 500}},
	})

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted saga.Accepted
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accepted.OrderID == "" {
		t.Fatalf("expected a generated order_id")
	}
}

func TestOrdersHandlerRejectsInvalidOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	pool := workerpool.New(4)
	handler := ordersHandler(o, pool, observability.NewMetrics())

	body, _ := json.Marshal(submitOrderBody{CustomerID: ""})
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOrdersHandlerRejectsNonPost(t *testing.T) {
	o := newTestOrchestrator(t)
	pool := workerpool.New(4)
	handler := ordersHandler(o, pool, observability.NewMetrics())

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestGetOrderHandlerReturns404ForUnknownOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	handler := getOrderHandler(o)

	req := httptest.NewRequest(http.MethodGet, "/orders/unknown", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetOrderHandlerRejectsEmptyOrderID(t *testing.T) {
	o := newTestOrchestrator(t)
	handler := getOrderHandler(o)

	req := httptest.NewRequest(http.MethodGet, "/orders/", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestToStringHandlesNonStringValues(t *testing.T) {
	if got := toString("hello"); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if got := toString(42); got != "" {
		t.Fatalf("expected empty string for a non-string value, got %q", got)
	}
	if got := toString(nil); got != "" {
		t.Fatalf("expected empty string for nil, got %q", got)
	}
}
