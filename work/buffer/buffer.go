package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// DefaultChunkSize is the unit the proxy relays media in
const DefaultChunkSize = 4096

// ChunkPool hands out fixed-size relay buffers backed by valyala/bytebufferpool.
// A buffer obtained from Get must be returned with Put once the copy loop
// that owns it finishes; buffers are never shared between sessions.
type ChunkPool struct {
	pool      *bytebufferpool.Pool
	chunkSize int
}

// NewChunkPool creates a pool whose buffers hold exactly chunkSize bytes.
// A non-positive size falls back to DefaultChunkSize.
func NewChunkPool(chunkSize int) *ChunkPool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkPool{
		pool:      &bytebufferpool.Pool{},
		chunkSize: chunkSize,
	}
}

// ChunkSize returns the length of every buffer handed out by Get
func (cp *ChunkPool) ChunkSize() int {
	return cp.chunkSize
}

// Get retrieves a buffer whose B field has length ChunkSize, ready to be
// passed to Read.
func (cp *ChunkPool) Get() *bytebufferpool.ByteBuffer {
	buf := cp.pool.Get()
	buf.Reset()
	if cap(buf.B) < cp.chunkSize {
		buf.B = make([]byte, cp.chunkSize)
	} else {
		buf.B = buf.B[:cp.chunkSize]
	}
	return buf
}

// Put returns a buffer to the pool. Nil is ignored.
func (cp *ChunkPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		cp.pool.Put(buf)
	}
}
