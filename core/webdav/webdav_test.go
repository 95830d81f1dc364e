package webdav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/rclonepool/core/balancer"
	"github.com/pyropy/rclonepool/core/config"
	"github.com/pyropy/rclonepool/core/manifest"
	"github.com/pyropy/rclonepool/core/pool"
	"github.com/pyropy/rclonepool/core/transport"
	"github.com/pyropy/rclonepool/lib/logger"
)

var testRemotes = []string{"r1:", "r2:", "r3:"}

func newTestServer(t *testing.T) (http.Handler, *pool.Pool) {
	t.Helper()

	cfg := config.Default()
	cfg.Remotes = testRemotes
	cfg.UseCrypt = false
	cfg.ChunkSize = 100
	cfg.TempDir = t.TempDir()
	cfg.EnableManifestCache = false
	cfg.ManifestCacheDir = t.TempDir()
	cfg.MaxRetries = 0
	cfg.RetryDelay = 0

	mem := transport.NewMemory(testRemotes...)

	store, err := manifest.NewStore(cfg, mem, logger.NewNop("manifest"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bal := balancer.New(cfg, mem, logger.NewNop("balancer"))
	bal.Seed(context.Background())

	p := pool.New(cfg, mem, store, bal, logger.NewNop("pool"))
	return NewServer(p, logger.NewNop("webdav")).Router(), p
}

func seedFile(t *testing.T, p *pool.Pool, path string, data []byte) {
	t.Helper()
	_, err := p.UploadStream(context.Background(), bytes.NewReader(data), int64(len(data)), path)
	require.NoError(t, err)
}

func do(h http.Handler, method, target string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOptions(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(h, "OPTIONS", "/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1, 2", rec.Header().Get("DAV"))
	assert.Contains(t, rec.Header().Get("Allow"), "PROPFIND")
	assert.Contains(t, rec.Header().Get("Allow"), "MOVE")
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
}

func TestHead(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/t/a.bin", bytes.Repeat([]byte("A"), 250))

	rec := do(h, "HEAD", "/t/a.bin", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "250", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))

	rec = do(h, "HEAD", "/t", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "httpd/unix-directory", rec.Header().Get("Content-Type"))

	rec = do(h, "HEAD", "/absent.bin", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetFullFile(t *testing.T) {
	h, p := newTestServer(t)
	data := bytes.Repeat([]byte("G"), 250)
	seedFile(t, p, "/t/a.bin", data)

	rec := do(h, "GET", "/t/a.bin", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "250", rec.Header().Get("Content-Length"))
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestGetRange(t *testing.T) {
	h, p := newTestServer(t)
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	seedFile(t, p, "/t/a.bin", data)

	rec := do(h, "GET", "/t/a.bin", nil, map[string]string{"Range": "bytes=120-129"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 120-129/250", rec.Header().Get("Content-Range"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, data[120:130], rec.Body.Bytes())
}

func TestGetRangeForms(t *testing.T) {
	h, p := newTestServer(t)
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	seedFile(t, p, "/t/a.bin", data)

	// open-ended
	rec := do(h, "GET", "/t/a.bin", nil, map[string]string{"Range": "bytes=200-"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 200-249/250", rec.Header().Get("Content-Range"))
	assert.Equal(t, data[200:], rec.Body.Bytes())

	// suffix: the final byte
	rec = do(h, "GET", "/t/a.bin", nil, map[string]string{"Range": "bytes=-1"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 249-249/250", rec.Header().Get("Content-Range"))
	assert.Equal(t, data[249:], rec.Body.Bytes())

	// first byte
	rec = do(h, "GET", "/t/a.bin", nil, map[string]string{"Range": "bytes=0-0"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, data[:1], rec.Body.Bytes())
}

// S4: an unsatisfiable range answers 416 with the star form.
func TestGetRangeUnsatisfiable(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/t/a.bin", bytes.Repeat([]byte("A"), 250))

	rec := do(h, "GET", "/t/a.bin", nil, map[string]string{"Range": "bytes=300-400"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */250", rec.Header().Get("Content-Range"))
}

func TestGetDirectory(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/t/a.bin", []byte("x"))

	// browsers get an HTML listing
	rec := do(h, "GET", "/t", nil, map[string]string{"Accept": "text/html,application/xhtml+xml"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "a.bin")

	// non-browser clients do not
	rec = do(h, "GET", "/t", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(h, "GET", "/absent-dir", nil, map[string]string{"Accept": "text/html"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPut(t *testing.T) {
	h, p := newTestServer(t)
	data := bytes.Repeat([]byte("P"), 150)

	rec := do(h, "PUT", "/up/new.bin", data, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	m, err := p.Stat(context.Background(), "/up/new.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(150), m.FileSize)
	assert.Equal(t, 2, m.ChunkCount)

	// overwrite answers 204
	rec = do(h, "PUT", "/up/new.bin", []byte("short"), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got := do(h, "GET", "/up/new.bin", nil, nil)
	assert.Equal(t, []byte("short"), got.Body.Bytes())
}

func TestPutCollisionConflict(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/a/x.bin", []byte("one"))

	rec := do(h, "PUT", "/b/x.bin", []byte("two"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDelete(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/t/a.bin", []byte("x"))

	rec := do(h, "DELETE", "/t/a.bin", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, "DELETE", "/t/a.bin", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMkcol(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(h, "MKCOL", "/whatever/deep/dir", nil, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMove(t *testing.T) {
	h, p := newTestServer(t)
	data := bytes.Repeat([]byte("M"), 150)
	seedFile(t, p, "/t/a.bin", data)

	rec := do(h, "MOVE", "/t/a.bin", nil, map[string]string{
		"Destination": "http://localhost:8080/archive/b.bin",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	got := do(h, "GET", "/archive/b.bin", nil, nil)
	assert.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, data, got.Body.Bytes())

	gone := do(h, "GET", "/t/a.bin", nil, nil)
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestMoveErrors(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/a.bin", []byte("a"))
	seedFile(t, p, "/b.bin", []byte("b"))

	rec := do(h, "MOVE", "/a.bin", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, "MOVE", "/a.bin", nil, map[string]string{
		"Destination": "http://localhost:8080/b.bin",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(h, "MOVE", "/absent.bin", nil, map[string]string{
		"Destination": "http://localhost:8080/c.bin",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPropfindFile(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/t/a.bin", bytes.Repeat([]byte("A"), 250))

	rec := do(h, "PROPFIND", "/t/a.bin", nil, map[string]string{"Depth": "0"})
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")

	body := rec.Body.String()
	assert.Contains(t, body, `xmlns:D="DAV:"`)
	assert.Contains(t, body, "<D:getcontentlength>250</D:getcontentlength>")
	assert.Contains(t, body, "<D:displayname>a.bin</D:displayname>")
	assert.Contains(t, body, "<D:getlastmodified>")
	assert.NotContains(t, body, "<D:collection")
}

func TestPropfindDirectory(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/t/a.bin", bytes.Repeat([]byte("A"), 250))
	seedFile(t, p, "/t/sub/c.bin", []byte("c"))

	rec := do(h, "PROPFIND", "/t", nil, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	body := rec.Body.String()
	// the directory itself, its subdirectory and its file
	assert.Contains(t, body, "<D:collection")
	assert.Contains(t, body, "a.bin")
	assert.Contains(t, body, "sub")
	assert.Equal(t, 3, strings.Count(body, "<D:response>"))

	// depth 0 describes only the directory
	rec = do(h, "PROPFIND", "/t", nil, map[string]string{"Depth": "0"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "<D:response>"))
}

func TestPropfindRoot(t *testing.T) {
	h, p := newTestServer(t)
	seedFile(t, p, "/a.bin", []byte("a"))
	seedFile(t, p, "/t/b.bin", []byte("b"))

	rec := do(h, "PROPFIND", "/", nil, map[string]string{"Depth": "1"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	body := rec.Body.String()
	// root, the t directory, and the root-level file
	assert.Equal(t, 3, strings.Count(body, "<D:response>"))
	assert.Contains(t, body, "a.bin")
}

func TestPropfindDepthInfinityForbidden(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(h, "PROPFIND", "/", nil, map[string]string{"Depth": "infinity"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPropfindMissing(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(h, "PROPFIND", "/absent.bin", nil, map[string]string{"Depth": "0"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestLogDoesNotBreakStreaming(t *testing.T) {
	h, p := newTestServer(t)
	data := bytes.Repeat([]byte("L"), 350) // four chunks, streamed in windows
	seedFile(t, p, "/t/big.bin", data)

	rec := do(h, "GET", "/t/big.bin", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, fmt.Sprint(len(data)), rec.Header().Get("Content-Length"))
}
