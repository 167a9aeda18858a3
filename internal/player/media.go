package player

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"visionflow/internal/store"
)

// ErrNoSource is returned for an asset with neither bytes nor a URL.
var ErrNoSource = errors.New("asset has no media source")

// Handle is a renderable reference to an asset. Transient handles must be
// released exactly once.
type Handle struct {
	AssetID   string
	Src       string
	Transient bool
	token     string
}

// MediaProvider turns assets into handles.
type MediaProvider interface {
	Acquire(asset store.MediaAsset) (Handle, error)
	Release(h Handle)
}

type blob struct {
	data    []byte
	mime    string
	name    string
	created time.Time
}

// BlobServer hands out transient /media/{token} URLs for local asset bytes
// and serves them over HTTP until released.
type BlobServer struct {
	prefix string
	logger *slog.Logger

	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobServer creates a provider whose URLs start with prefix, e.g.
// "/media/".
func NewBlobServer(prefix string, logger *slog.Logger) *BlobServer {
	return &BlobServer{
		prefix: prefix,
		logger: logger.With("component", "media"),
		blobs:  make(map[string]blob),
	}
}

func (s *BlobServer) Acquire(a store.MediaAsset) (Handle, error) {
	if len(a.BinaryContent) == 0 {
		if a.URL == "" {
			return Handle{}, ErrNoSource
		}
		return Handle{AssetID: a.ID, Src: a.URL}, nil
	}
	mime := a.MimeType
	if mime == "" {
		mime = mimetype.Detect(a.BinaryContent).String()
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.blobs[token] = blob{data: a.BinaryContent, mime: mime, name: a.Name, created: time.Now()}
	s.mu.Unlock()
	return Handle{AssetID: a.ID, Src: s.prefix + token, Transient: true, token: token}, nil
}

func (s *BlobServer) Release(h Handle) {
	if !h.Transient {
		return
	}
	s.mu.Lock()
	_, ok := s.blobs[h.token]
	delete(s.blobs, h.token)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("release of unknown media handle", "asset", h.AssetID)
	}
}

// Live returns the number of unreleased handles.
func (s *BlobServer) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ServeHTTP serves a blob by the {token} path value.
func (s *BlobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	s.mu.RLock()
	b, ok := s.blobs[token]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", b.mime)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, b.name, b.created, bytes.NewReader(b.data))
}
