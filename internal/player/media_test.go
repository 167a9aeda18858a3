package player

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"visionflow/internal/store"
)

func TestBlobServerLifecycle(t *testing.T) {
	bs := NewBlobServer("/media/", newTestLogger())
	mux := http.NewServeMux()
	mux.Handle("GET /media/{token}", bs)

	h, err := bs.Acquire(store.MediaAsset{ID: "A", Name: "a.txt", BinaryContent: []byte("hello")})
	if err != nil {
		t.Fatal(err)
	}
	if !h.Transient || !strings.HasPrefix(h.Src, "/media/") {
		t.Fatalf("handle = %+v", h)
	}
	if bs.Live() != 1 {
		t.Fatalf("live = %d, want 1", bs.Live())
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", h.Src, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}

	bs.Release(h)
	if bs.Live() != 0 {
		t.Fatalf("live = %d, want 0", bs.Live())
	}
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", h.Src, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status after release = %d, want 404", w.Code)
	}
}

func TestBlobServerRemoteAndEmpty(t *testing.T) {
	bs := NewBlobServer("/media/", newTestLogger())

	h, err := bs.Acquire(store.MediaAsset{ID: "R", URL: "https://example.com/r.jpg"})
	if err != nil {
		t.Fatal(err)
	}
	if h.Transient || h.Src != "https://example.com/r.jpg" {
		t.Errorf("remote handle = %+v", h)
	}
	bs.Release(h)
	if bs.Live() != 0 {
		t.Errorf("live = %d, want 0", bs.Live())
	}

	if _, err := bs.Acquire(store.MediaAsset{ID: "E"}); err != ErrNoSource {
		t.Errorf("err = %v, want ErrNoSource", err)
	}
}
