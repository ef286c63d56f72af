package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/tradeloop-engine/internal/dispatch"
)

func mapOnRecorder(err error) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	mapError(c, err)
	return w
}

func TestMapError_BusyUsesEngineBusyCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := mapOnRecorder(dispatch.ErrBusy)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Busy: expected 429, got %d", w.Code)
	}
	e := decodeErr(t, w)
	if e.Error.Code != "ENGINE_BUSY" {
		t.Errorf("Expected ENGINE_BUSY. Got: %s", e.Error.Code)
	}
	if e.RetryAfter < 1 {
		t.Errorf("Busy must carry a positive retryAfter. Got: %d", e.RetryAfter)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Busy must set the Retry-After header")
	}
}

func TestMapError_InternalDetailsHiddenInRelease(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := mapOnRecorder(errors.New("pool: connection refused"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if e := decodeErr(t, w); e.Error.Details == "" {
		t.Error("Test mode keeps the error text in details")
	}

	gin.SetMode(gin.ReleaseMode)
	defer gin.SetMode(gin.TestMode)
	w = mapOnRecorder(errors.New("pool: connection refused"))
	e := decodeErr(t, w)
	if e.Error.Details != "" {
		t.Errorf("Release mode must not leak error text: %q", e.Error.Details)
	}
	if e.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("Expected INTERNAL_ERROR. Got: %s", e.Error.Code)
	}
}
