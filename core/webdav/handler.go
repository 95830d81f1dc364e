package webdav

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pyropy/rclonepool/core/model"
	"github.com/pyropy/rclonepool/core/pool"
)

func requestPath(r *http.Request) string {
	return model.NormalizePath(r.URL.Path)
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("DAV", "1, 2")
	h.Set("MS-Author-Via", "DAV")
	h.Set("Allow", davMethods)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	path := requestPath(r)

	m, err := s.pool.Stat(r.Context(), path)
	if err == nil {
		h := w.Header()
		h.Set("Content-Type", contentTypeFor(path))
		h.Set("Content-Length", strconv.FormatInt(m.FileSize, 10))
		h.Set("Accept-Ranges", "bytes")
		h.Set("Last-Modified", rfc1123(m.CreatedAt))
		w.WriteHeader(http.StatusOK)
		return
	}
	if !errors.Is(err, pool.ErrNotFound) {
		http.Error(w, "stat failed", http.StatusInternalServerError)
		return
	}

	isDir, derr := s.pool.IsDir(r.Context(), path)
	if derr == nil && isDir {
		w.Header().Set("Content-Type", dirContentType)
		w.WriteHeader(http.StatusOK)
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	path := requestPath(r)
	ctx := r.Context()

	m, err := s.pool.Stat(ctx, path)
	if err != nil {
		if !errors.Is(err, pool.ErrNotFound) {
			http.Error(w, "stat failed", http.StatusInternalServerError)
			return
		}

		isDir, derr := s.pool.IsDir(ctx, path)
		if derr != nil || !isDir {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if !strings.Contains(r.Header.Get("Accept"), "text/html") {
			w.Header().Set("Allow", davMethods)
			http.Error(w, "directory", http.StatusMethodNotAllowed)
			return
		}
		s.serveListing(w, r, path)
		return
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		s.serveRange(w, r, m, rangeHeader)
		return
	}

	s.serveFull(w, r, m)
}

// serveFull streams the whole file in bounded windows so memory stays at one
// chunk regardless of file size.
func (s *Server) serveFull(w http.ResponseWriter, r *http.Request, m *model.Manifest) {
	h := w.Header()
	h.Set("Content-Type", contentTypeFor(m.FilePath))
	h.Set("Content-Length", strconv.FormatInt(m.FileSize, 10))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Last-Modified", rfc1123(m.CreatedAt))
	w.WriteHeader(http.StatusOK)

	window := s.cfg.ChunkSize
	for offset := int64(0); offset < m.FileSize; offset += window {
		length := window
		if offset+length > m.FileSize {
			length = m.FileSize - offset
		}

		data, err := s.pool.DownloadRange(r.Context(), m.FilePath, offset, length)
		if err != nil {
			// Headers are gone; all we can do is stop.
			s.log.Warnw("stream aborted", "path", m.FilePath, "offset", offset, "err", err)
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func (s *Server) serveRange(w http.ResponseWriter, r *http.Request, m *model.Manifest, rangeHeader string) {
	br, err := parseRange(rangeHeader, m.FileSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", m.FileSize))
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	data, err := s.pool.DownloadRange(r.Context(), m.FilePath, br.start, br.length())
	if err != nil {
		http.Error(w, "range read failed", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentTypeFor(m.FilePath))
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end, m.FileSize))
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	path := requestPath(r)
	ctx := r.Context()
	defer r.Body.Close()

	_, statErr := s.pool.Stat(ctx, path)
	existed := statErr == nil

	tempPath := filepath.Join(s.cfg.TempDir, fmt.Sprintf("webdav_put_%s.tmp", uuid.NewString()))
	f, err := os.Create(tempPath)
	if err != nil {
		http.Error(w, "temp spool failed", http.StatusInternalServerError)
		return
	}
	defer os.Remove(tempPath)

	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		http.Error(w, "body read failed", http.StatusInternalServerError)
		return
	}
	if err := f.Close(); err != nil {
		http.Error(w, "temp spool failed", http.StatusInternalServerError)
		return
	}

	if _, err := s.pool.Upload(ctx, tempPath, path); err != nil {
		switch {
		case errors.Is(err, pool.ErrAlreadyExists), errors.Is(err, pool.ErrChunkCollision):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "upload failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Length", "0")
	if existed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := requestPath(r)

	err := s.pool.Delete(r.Context(), path)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, pool.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		// Chunk deletions may have partially failed; the manifest is gone.
		s.log.Warnw("delete incomplete", "path", path, "err", err)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleMkcol accepts directory creation unconditionally: directories are
// virtual, synthesized from file paths.
func (s *Server) handleMkcol(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	src := requestPath(r)

	destHeader := r.Header.Get("Destination")
	if destHeader == "" {
		http.Error(w, "Destination header required", http.StatusBadRequest)
		return
	}

	destURL, err := url.Parse(destHeader)
	if err != nil || destURL.Path == "" {
		http.Error(w, "bad Destination header", http.StatusBadRequest)
		return
	}
	dst := model.NormalizePath(destURL.Path)

	err = s.pool.Move(r.Context(), src, dst)
	switch {
	case err == nil:
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusCreated)
	case errors.Is(err, pool.ErrAlreadyExists):
		http.Error(w, "destination exists", http.StatusConflict)
	case errors.Is(err, pool.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "move failed", http.StatusInternalServerError)
	}
}
