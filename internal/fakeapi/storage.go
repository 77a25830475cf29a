package fakeapi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// ObjectDocument describes a stored object on the wire.
type ObjectDocument struct {
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	SHA256   string    `json:"sha256"`
	Modified time.Time `json:"modified"`
}

type object struct {
	data     []byte
	modified time.Time
}

func (o *object) doc(key string) ObjectDocument {
	return ObjectDocument{Key: key, Size: int64(len(o.data)), SHA256: hashHex(o.data), Modified: o.modified}
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func storageKey(r *http.Request) string {
	return strings.TrimPrefix(chi.URLParam(r, "*"), "/")
}

func (s *Server) getStorage(w http.ResponseWriter, r *http.Request) {
	key := storageKey(r)
	switch op := r.URL.Query().Get("op"); op {
	case "LIST":
		s.listObjects(w, r, key)
	case "STAT":
		s.statObject(w, key)
	case "OPEN":
		s.openObject(w, key)
	case "CHECKSUM":
		s.checksumObject(w, key)
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("unsupported op %q", op))
	}
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request, prefix string) {
	token := r.URL.Query().Get("token")
	pageSize := s.PageSize
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && (pageSize <= 0 || limit < pageSize) {
		pageSize = limit
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	s.mu.Lock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) && k > token {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	next := ""
	if len(keys) > pageSize {
		keys = keys[:pageSize]
		next = keys[len(keys)-1]
	}
	docs := make([]ObjectDocument, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, s.objects[k].doc(k))
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"objects": docs, "next": next})
}

func (s *Server) lookup(w http.ResponseWriter, key string) (*object, bool) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("object %s not found", key))
	}
	return obj, ok
}

func (s *Server) statObject(w http.ResponseWriter, key string) {
	if obj, ok := s.lookup(w, key); ok {
		s.mu.Lock()
		doc := obj.doc(key)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Server) openObject(w http.ResponseWriter, key string) {
	obj, ok := s.lookup(w, key)
	if !ok {
		return
	}
	s.mu.Lock()
	data := obj.data
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) checksumObject(w http.ResponseWriter, key string) {
	obj, ok := s.lookup(w, key)
	if !ok {
		return
	}
	s.mu.Lock()
	sum := hashHex(obj.data)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"sha256": sum})
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request) {
	key := storageKey(r)
	if key == "" || strings.HasSuffix(key, "/") {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "object key is required")
		return
	}
	if op := r.URL.Query().Get("op"); op != "CREATE" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("unsupported op %q", op))
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read body")
		return
	}

	if want := r.Header.Get("X-Content-Sha256"); want != "" && !strings.EqualFold(want, hashHex(data)) {
		writeErrorDetails(w, http.StatusUnprocessableEntity, "CHECKSUM_MISMATCH", "body does not match X-Content-Sha256",
			map[string]any{"key": key, "expected": strings.ToLower(want), "got": hashHex(data)})
		return
	}

	s.mu.Lock()
	if s.corruptions[key] > 0 && len(data) > 0 {
		data[0] ^= 0xff
		s.corruptions[key]--
	}
	s.objects[key] = &object{data: data, modified: time.Now().UTC()}
	doc := s.objects[key].doc(key)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	key := storageKey(r)
	s.mu.Lock()
	_, ok := s.objects[key]
	delete(s.objects, key)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("object %s not found", key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutObject stores data under key.
func (s *Server) PutObject(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &object{data: append([]byte(nil), data...), modified: time.Now().UTC()}
}

// Object returns the stored bytes for key.
func (s *Server) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// CorruptUploads makes the next n non-empty uploads to key store a damaged
// copy.
func (s *Server) CorruptUploads(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptions[key] = n
}
