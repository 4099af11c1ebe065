package logstore_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/arbiter/internal/pkg/bits"
	"github.com/vreid/arbiter/internal/pkg/log"
	"github.com/vreid/arbiter/internal/pkg/logstore"
	"github.com/vreid/arbiter/internal/pkg/protocol"
)

func newStore(t *testing.T) *logstore.LogStoreService {
	t.Helper()

	s, err := logstore.NewLogStore(t.TempDir(), log.NewNopLogger())
	require.NoError(t, err)

	return s
}

func TestPutAndOpen(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	content := "step 1\nstep 2\n"

	entry, err := s.Put(strings.NewReader(content), "run.log")
	require.NoError(t, err)

	assert.Equal(t, bits.Keccak256([]byte(content)), entry.Hash)
	assert.Equal(t, int64(len(content)), entry.Size)
	assert.Equal(t, "run.log", entry.Filename)

	r, err := s.Open(entry.Hash)
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	stored, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, string(stored))
}

func TestPutIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	first, err := s.Put(strings.NewReader("same"), "a.log")
	require.NoError(t, err)

	second, err := s.Put(strings.NewReader("same"), "b.log")
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, "a.log", second.Filename)
}

func TestOpenUnknown(t *testing.T) {
	t.Parallel()

	_, err := newStore(t).Open(bits.Keccak256([]byte("missing")))
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestSubmitAndDownloadOverHTTP(t *testing.T) {
	t.Parallel()

	s := newStore(t)

	e := echo.New()
	s.Routes(e)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("files", "machine.log")
	require.NoError(t, err)

	_, err = part.Write([]byte("final hash 0xabc"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/logger/submit", body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var entries []logstore.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, bits.Keccak256([]byte("final hash 0xabc")), entries[0].Hash)

	req = httptest.NewRequest(http.MethodGet, "/api/logger/"+entries[0].Hash.Hex(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "final hash 0xabc", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/logger/"+entries[0].Hash.Hex()+"/meta", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/logger/"+bits.Keccak256().Hex(), nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/logger/not-hex", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
