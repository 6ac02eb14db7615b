package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitter/internal/types"
)

func testRequest(method, path string, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	return r.WithContext(types.WithRequestID(r.Context(), "req_test"))
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodGet, "/", "")

	JSON(w, r, http.StatusCreated, APIResponse{Data: map[string]string{"id": "abc"}})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "abc", resp["data"].(map[string]any)["id"])
}

func TestError_AppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodGet, "/", "")

	err := types.NewAppErrorWithDetails(types.ErrCodeNotFoundSite, "site not found", nil,
		map[string]any{"site_id": "u1_reddit.com"})
	Error(w, r, err)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found_site", resp.Error.Code)
	assert.Equal(t, "site not found", resp.Error.Message)
	assert.Equal(t, "u1_reddit.com", resp.Error.Details["site_id"])
	assert.Equal(t, "req_test", resp.Error.RequestID)
}

func TestError_WrappedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodGet, "/", "")

	inner := types.NewAppError(types.ErrCodePaymentRequired, "payment required", nil)
	Error(w, r, inner)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestError_GenericErrorIsOpaque(t *testing.T) {
	w := httptest.NewRecorder()
	r := testRequest(http.MethodGet, "/", "")

	Error(w, r, errors.New("pq: connection refused to 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
}

func TestError_GenericErrorLogsViaContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	w := httptest.NewRecorder()
	r := testRequest(http.MethodGet, "/", "")
	r = r.WithContext(types.WithLogger(r.Context(), logger))

	Error(w, r, errors.New("pq: connection refused"))

	assert.Contains(t, buf.String(), "unhandled error")
	assert.Contains(t, buf.String(), "pq: connection refused")
}

func TestDecodeJSON(t *testing.T) {
	type req struct {
		Domain string `json:"domain"`
	}

	t.Run("valid body", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := testRequest(http.MethodPost, "/", `{"domain":"reddit.com"}`)
		var dst req
		require.NoError(t, DecodeJSON(w, r, &dst))
		assert.Equal(t, "reddit.com", dst.Domain)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := testRequest(http.MethodPost, "/", `{"domain":"reddit.com","bogus":1}`)
		var dst req
		err := DecodeJSON(w, r, &dst)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
		assert.Contains(t, appErr.Message, "unknown field")
	})

	t.Run("empty body rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := testRequest(http.MethodPost, "/", "")
		var dst req
		err := DecodeJSON(w, r, &dst)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Contains(t, appErr.Message, "empty")
	})

	t.Run("malformed JSON rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := testRequest(http.MethodPost, "/", `{"domain":`)
		var dst req
		err := DecodeJSON(w, r, &dst)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, errCodeValidationInvalidJSON, appErr.Code)
	})

	t.Run("type mismatch names the field", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := testRequest(http.MethodPost, "/", `{"domain":42}`)
		var dst req
		err := DecodeJSON(w, r, &dst)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "domain", appErr.Details["field"])
	})

	t.Run("second JSON value rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := testRequest(http.MethodPost, "/", `{"domain":"a.com"}{"domain":"b.com"}`)
		var dst req
		err := DecodeJSON(w, r, &dst)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Contains(t, appErr.Message, "single JSON object")
	})

	t.Run("oversized body rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		big := `{"domain":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(big)))
		var dst req
		err := DecodeJSON(w, r, &dst)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Contains(t, appErr.Message, "1MB")
	})
}
