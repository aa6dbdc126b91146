package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func echoBody(c echo.Context) error {
	b, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, string(b))
}

func TestGzipRequestMiddleware(t *testing.T) {
	e := echo.New()
	e.Use(GzipRequestMiddleware())
	e.POST("/", echoBody)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`[{"action":"add-habit"}]`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "identity, gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `[{"action":"add-habit"}]` {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestGzipRequestMiddlewareRejectsGarbage(t *testing.T) {
	e := echo.New()
	e.Use(GzipRequestMiddleware())
	e.POST("/", echoBody)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("plain"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPlainBodiesPassThrough(t *testing.T) {
	e := echo.New()
	e.Use(GzipRequestMiddleware())
	e.POST("/", echoBody)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("plain"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Body.String() != "plain" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}
