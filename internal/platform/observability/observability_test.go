package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kirana-mart/api/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	if !ok {
		t.Fatalf("expected header to parse")
	}
	if sc.TraceID().String() != "105445aa7843bc8bf206b12000100000" || !sc.IsSampled() || !sc.IsRemote() {
		t.Fatalf("unexpected span context %#v", sc)
	}
	for _, header := range []string{"", "nope", "xyz/1;o=1", "105445aa7843bc8bf206b12000100000/zz"} {
		if _, ok := parseCloudTraceContext(header); ok {
			t.Fatalf("expected %q to be rejected", header)
		}
	}
}

func TestRequestLoggerRecordsCompletion(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := chi.NewRouter()
	router.Use(TraceMiddleware("kirana-prod"), RequestLogger(zap.New(core)))
	router.Get("/orders/{orderID}", func(w http.ResponseWriter, r *http.Request) {
		if !requestctx.HasLogger(r.Context()) {
			t.Errorf("expected request logger in context")
		}
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	router.ServeHTTP(rec, req)
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one completion log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if entries[0].Level != zapcore.WarnLevel || fields["route"] != "/orders/{orderID}" || fields["status"] != int64(404) ||
		fields["trace_id"] != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("unexpected entry %v %#v", entries[0].Level, fields)
	}
}

func TestRecovererWritesEnvelope(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := Recoverer(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected the panic to be logged")
	}
}

func TestEventLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := EventLogger(zap.New(core))

	log(context.Background(), "order.placed", map[string]any{"orderId": "ord_1"})
	log(context.Background(), "order.restock.failed", map[string]any{"orderId": "ord_1"})

	requestCore, requestLogs := observer.New(zapcore.InfoLevel)
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	log(ctx, "cart.save.conflict", map[string]any{"error": "contended"})

	all := logs.All()
	if len(all) != 2 || all[0].Level != zapcore.InfoLevel || all[1].Level != zapcore.WarnLevel {
		t.Fatalf("unexpected base entries %#v", all)
	}
	if all[0].ContextMap()["event"] != "order.placed" {
		t.Fatalf("expected event field, got %#v", all[0].ContextMap())
	}
	if requestLogs.Len() != 1 || requestLogs.All()[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected request-scoped warn entry")
	}
}
