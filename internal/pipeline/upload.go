package pipeline

import (
	"image"
	"sync"
)

// Handle is an opaque reference to an uploaded texture. Zero is never a valid handle.
type Handle uint64

// Uploader turns decoded images into renderer-owned handles.
// Upload and Release are only called from the goroutine that calls Update.
type Uploader interface {
	Upload(img *image.RGBA) Handle
	Release(h Handle)
}

// MemoryUploader keeps uploaded images in memory. It stands in for a GPU
// texture store when the pipeline runs headless.
type MemoryUploader struct {
	mu     sync.RWMutex
	next   Handle
	images map[Handle]*image.RGBA
	bytes  int64
}

// NewMemoryUploader creates an empty store
func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{images: make(map[Handle]*image.RGBA)}
}

func (m *MemoryUploader) Upload(img *image.RGBA) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	m.images[m.next] = img
	m.bytes += int64(len(img.Pix))
	return m.next
}

func (m *MemoryUploader) Release(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if img, ok := m.images[h]; ok {
		m.bytes -= int64(len(img.Pix))
		delete(m.images, h)
	}
}

// Image returns the image behind h
func (m *MemoryUploader) Image(h Handle) (*image.RGBA, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[h]
	return img, ok
}

// Len returns the number of live handles
func (m *MemoryUploader) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.images)
}

// Bytes returns the pixel memory held by live handles
func (m *MemoryUploader) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}
