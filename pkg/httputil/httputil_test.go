package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoplatform/arcgis-relay/pkg/observability"
)

func TestWriteHelpers(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteJSON(rec, http.StatusOK, map[string]string{"token_type": "Bearer"}))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"token_type":"Bearer"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteUnauthorized(rec)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", rec.Body.String())

	rec = httptest.NewRecorder()
	WriteInternalError(rec)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "panic")

	rec = httptest.NewRecorder()
	WriteErrorMessage(rec, http.StatusUnauthorized, "Token invalid or expired")
	assert.JSONEq(t, `{"error":"Token invalid or expired"}`, rec.Body.String())
}

func TestParseJSONOrError(t *testing.T) {
	var dest struct{ Name string }

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"Name":"x"}`))
	assert.True(t, ParseJSONOrError(rec, req, &dest))
	assert.Equal(t, "x", dest.Name)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.False(t, ParseJSONOrError(rec, req, &dest))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddlewareChain(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	var seenID string
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = observability.GetRequestID(r.Context())
		if r.URL.Path == "/panic" {
			panic("boom")
		}
		w.WriteHeader(http.StatusTeapot)
	})
	handler := Chain(RequestIDMiddleware(logger), LoggingMiddleware, RecoveryMiddleware)(final)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seenID)
	assert.Equal(t, seenID, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"path":"/ok"`)

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "fixed-id")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "fixed-id", seenID)
	assert.Contains(t, buf.String(), "Panic in HTTP handler")
}

func TestMaxBytesMiddleware(t *testing.T) {
	handler := MaxBytesMiddleware(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v interface{}
		if err := ParseJSON(r, &v); err != nil {
			WriteBadRequest(w, "too large")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"long":"body"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
