package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core))
	ctx = WithAction(AddFields(ctx, zap.Int64("session_id", 7)), "ask")

	Extract(ctx).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["session_id"] != int64(7) || fields["action"] != "ask" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestExtractWithoutLogger(t *testing.T) {
	Extract(context.Background()).Info("dropped")
	Extract(nil).Info("dropped")
}

func TestMiddlewareLogsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	router := gin.New()
	router.Use(Middleware(zap.New(core)))
	router.GET("/ping", func(c *gin.Context) {
		Extract(c.Request.Context()).Info("inside handler")
		c.String(http.StatusTeapot, "pong")
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected handler and request entries, got %d", len(entries))
	}
	if entries[0].ContextMap()["path"] != "/ping" {
		t.Fatalf("handler logger should carry the request path: %v", entries[0].ContextMap())
	}
	if got := entries[1].ContextMap()["status"]; got != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status field %v", got)
	}
}
