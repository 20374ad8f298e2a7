package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/sync/internal/platform/alerting"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	err := h(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	mw := RequestID()
	h := mw(handler)
	h(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_PassesThroughHandlerError(t *testing.T) {
	logger := zerolog.Nop()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	wantErr := errors.New("boom")
	handler := func(c echo.Context) error {
		return wantErr
	}

	mw := Logger(logger)
	if err := mw(handler)(c); !errors.Is(err, wantErr) {
		t.Fatalf("expected handler error passed through, got %v", err)
	}
}

func TestLogger_AttachesSubjectAndProvider(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/epic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("provider")
	c.SetParamValues("epic")

	handler := func(c echo.Context) error {
		c.Set("auth_subject", "ops@clinic")
		return c.String(http.StatusOK, "ok")
	}
	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	line := buf.String()
	for _, want := range []string{`"subject":"ops@clinic"`, `"provider":"epic"`, `"level":"info"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestLogger_WarnsOnClientError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/jobs/nope", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusNotFound, "not found")
	}
	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Errorf("expected warn level for 404, got: %s", buf.String())
	}
}

func TestRecovery_ConvertsPanicTo500AndAlerts(t *testing.T) {
	logger := zerolog.Nop()
	alerts := alerting.New(logger, 10)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("boom")
	}

	mw := Recovery(logger, alerts)
	err := mw(handler)(c)

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}

	recent := alerts.Recent(10)
	if len(recent) != 1 || recent[0].Kind != alerting.KindPanic {
		t.Fatalf("expected one panic alert, got %+v", recent)
	}
	if recent[0].Detail != "boom" {
		t.Errorf("alert detail = %q", recent[0].Detail)
	}
}

func TestRecovery_NilAlerterStillRecovers(t *testing.T) {
	logger := zerolog.Nop()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	mw := Recovery(logger, nil)
	err := mw(func(echo.Context) error { panic("boom") })(c)

	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
}

func TestRateLimit_RejectsWhenBucketEmpty(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})
	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	do := func() error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		return mw(handler)(c)
	}

	if err := do(); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	err := do()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst exhausted, got %v", err)
	}
}
