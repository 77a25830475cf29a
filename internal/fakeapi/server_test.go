package fakeapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp
}

func TestRecovery_WithPanic(t *testing.T) {
	handler := requestID(recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() { handler.ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Equal(t, "panic: boom", resp.Error.Message)
	assert.Equal(t, "/jobs/x", resp.Error.Path)
	assert.Equal(t, "req-42", resp.Error.CorrelationID)
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestErrorEnvelope_Routes(t *testing.T) {
	s := New()

	t.Run("unknown job", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/job-missing", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "NOT_FOUND", resp.Error.Code)
		assert.NotEmpty(t, resp.Error.Timestamp)
		assert.Equal(t, rec.Header().Get(RequestIDHeader), resp.Error.CorrelationID)
		assert.NotEmpty(t, resp.Error.CorrelationID)
	})

	t.Run("unauthorized", func(t *testing.T) {
		s.Token = "secret"
		defer func() { s.Token = "" }()
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec).Error.Code)
	})

	t.Run("checksum mismatch carries details", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/storage/a.txt?op=CREATE", strings.NewReader("alpha"))
		req.Header.Set("X-Content-Sha256", strings.Repeat("0", 64))
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, "CHECKSUM_MISMATCH", resp.Error.Code)
		assert.Equal(t, "a.txt", resp.Error.Details["key"])
		assert.Equal(t, hashHex([]byte("alpha")), resp.Error.Details["got"])
		_, ok := s.Object("a.txt")
		assert.False(t, ok)
	})

	t.Run("injected fault", func(t *testing.T) {
		s.Inject(Fault{Method: http.MethodGet, Path: "/jobs", Status: http.StatusServiceUnavailable})
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "INJECTED", decodeError(t, rec).Error.Code)
	})
}
