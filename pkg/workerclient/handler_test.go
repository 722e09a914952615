package workerclient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	results map[string]struct {
		retryable bool
		err       error
	}
}

func (f *fakeLoader) LoadFile(_ context.Context, ref FileRef, _ bool) (bool, error) {
	r, ok := f.results[ref.AlluxioPath]
	if !ok {
		return false, nil
	}
	return r.retryable, r.err
}

func postLoadFile(t *testing.T, h *Handler, req LoadFileRequest) LoadFileResponse {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/load_file", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	var out LoadFileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandler_AllFilesSucceed(t *testing.T) {
	h := NewHandler(nil, &fakeLoader{})
	resp := postLoadFile(t, h, LoadFileRequest{Files: []FileRef{{AlluxioPath: "/a"}, {AlluxioPath: "/b"}}})
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Empty(t, resp.Files)
}

func TestHandler_PartialFailure(t *testing.T) {
	loader := &fakeLoader{results: map[string]struct {
		retryable bool
		err       error
	}{
		"/b": {retryable: true, err: assertErr("disk full")},
	}}
	h := NewHandler(nil, loader)
	resp := postLoadFile(t, h, LoadFileRequest{Files: []FileRef{{AlluxioPath: "/a"}, {AlluxioPath: "/b"}}})

	assert.Equal(t, StatusPartial, resp.Status)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "/b", resp.Files[0].File)
	assert.True(t, resp.Files[0].Retryable)
}

func TestHandler_AllFilesFail(t *testing.T) {
	loader := &fakeLoader{results: map[string]struct {
		retryable bool
		err       error
	}{
		"/a": {err: assertErr("boom")},
	}}
	h := NewHandler(nil, loader)
	resp := postLoadFile(t, h, LoadFileRequest{Files: []FileRef{{AlluxioPath: "/a"}}})
	assert.Equal(t, StatusFailure, resp.Status)
}

func TestHandler_RejectsNonPost(t *testing.T) {
	h := NewHandler(nil, &fakeLoader{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/load_file", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
