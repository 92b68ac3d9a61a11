// Package objectstub provides an in-memory object storage backend and a
// matching HTTP endpoint for exercising upload flows in tests.
package objectstub

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"classreel-media/internal/objectstore"
)

type storedPart struct {
	etag string
	data []byte
}

type multipartUpload struct {
	key         string
	contentType string
	parts       map[int]storedPart
}

type storedObject struct {
	data        []byte
	etag        string
	contentType string
}

// Backend implements objectstore.Backend entirely in memory. Pre-signed URLs
// point at the stub's own HTTP server, so engine tests exercise real PUT
// round trips.
type Backend struct {
	mu       sync.Mutex
	server   *httptest.Server
	objects  map[string]storedObject
	uploads  map[string]*multipartUpload
	uploadID int

	// FailPartAttempts makes the first N PUTs of a given part number fail
	// with a 500, for retry tests. Keyed by part number.
	FailPartAttempts map[int]int
	// RejectSignatures makes every PUT fail with 403 until cleared.
	RejectSignatures bool
}

func New() *Backend {
	backend := &Backend{
		objects:          make(map[string]storedObject),
		uploads:          make(map[string]*multipartUpload),
		FailPartAttempts: make(map[int]int),
	}
	backend.server = httptest.NewServer(http.HandlerFunc(backend.handlePut))
	return backend
}

func (b *Backend) Close() {
	b.server.Close()
}

// URL returns the stub server's base URL.
func (b *Backend) URL() string {
	return b.server.URL
}

// Object returns the assembled bytes stored at key.
func (b *Backend) Object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	object, ok := b.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), object.data...), true
}

// UploadCount reports how many multipart uploads are still open.
func (b *Backend) UploadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

// SeedObject stores an object directly, bypassing the upload flow.
func (b *Backend) SeedObject(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = storedObject{data: append([]byte(nil), data...), etag: contentETag(data)}
}

func contentETag(data []byte) string {
	digest := md5.Sum(data)
	return hex.EncodeToString(digest[:])
}

func (b *Backend) CreateMultipartUpload(_ context.Context, key, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadID++
	id := fmt.Sprintf("upload-%d", b.uploadID)
	b.uploads[id] = &multipartUpload{key: key, contentType: contentType, parts: make(map[int]storedPart)}
	return id, nil
}

func (b *Backend) PresignPut(_ context.Context, key, contentType string) (string, error) {
	return fmt.Sprintf("%s/put?key=%s&contentType=%s",
		b.server.URL, url.QueryEscape(key), url.QueryEscape(contentType)), nil
}

func (b *Backend) PresignUploadPart(_ context.Context, key, uploadID string, partNumber int) (string, error) {
	return fmt.Sprintf("%s/put?key=%s&uploadId=%s&partNumber=%d",
		b.server.URL, url.QueryEscape(key), url.QueryEscape(uploadID), partNumber), nil
}

func (b *Backend) PresignGet(_ context.Context, key string) (string, error) {
	return fmt.Sprintf("%s/get?key=%s", b.server.URL, url.QueryEscape(key)), nil
}

func (b *Backend) ListParts(_ context.Context, key, uploadID string) ([]objectstore.Part, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	upload, ok := b.uploads[uploadID]
	if !ok || upload.key != key {
		return nil, fmt.Errorf("upload %s not found", uploadID)
	}
	parts := make([]objectstore.Part, 0, len(upload.parts))
	for number, part := range upload.parts {
		parts = append(parts, objectstore.Part{PartNumber: number, ETag: part.etag, Size: int64(len(part.data))})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (b *Backend) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []objectstore.Part) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	upload, ok := b.uploads[uploadID]
	if !ok || upload.key != key {
		return fmt.Errorf("upload %s not found", uploadID)
	}

	var assembled []byte
	for _, part := range parts {
		stored, ok := upload.parts[part.PartNumber]
		if !ok {
			return fmt.Errorf("part %d was never uploaded", part.PartNumber)
		}
		if stored.etag != part.ETag {
			return fmt.Errorf("part %d etag mismatch", part.PartNumber)
		}
		assembled = append(assembled, stored.data...)
	}

	b.objects[key] = storedObject{data: assembled, etag: contentETag(assembled), contentType: upload.contentType}
	delete(b.uploads, uploadID)
	return nil
}

func (b *Backend) AbortMultipartUpload(_ context.Context, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.uploads, uploadID)
	return nil
}

func (b *Backend) HeadObject(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	object, ok := b.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, fmt.Errorf("object %s not found", key)
	}
	return objectstore.ObjectInfo{Size: int64(len(object.data)), ETag: object.etag}, nil
}

func (b *Backend) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		key := r.URL.Query().Get("key")
		b.mu.Lock()
		object, ok := b.objects[key]
		b.mu.Unlock()
		if !ok {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write(object.data)
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	key := query.Get("key")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.RejectSignatures {
		http.Error(w, "signature expired", http.StatusForbidden)
		return
	}

	uploadID := query.Get("uploadId")
	if uploadID == "" {
		etag := contentETag(data)
		b.objects[key] = storedObject{data: data, etag: etag, contentType: query.Get("contentType")}
		w.Header().Set("ETag", `"`+etag+`"`)
		w.WriteHeader(http.StatusOK)
		return
	}

	partNumber, err := strconv.Atoi(query.Get("partNumber"))
	if err != nil || partNumber < 1 {
		http.Error(w, "bad part number", http.StatusBadRequest)
		return
	}
	if remaining := b.FailPartAttempts[partNumber]; remaining > 0 {
		b.FailPartAttempts[partNumber] = remaining - 1
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	upload, ok := b.uploads[uploadID]
	if !ok || upload.key != key {
		http.Error(w, "upload not found", http.StatusNotFound)
		return
	}

	etag := contentETag(data)
	upload.parts[partNumber] = storedPart{etag: etag, data: data}
	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

var _ objectstore.Backend = (*Backend)(nil)
