package util

import "sync"

// ChunkSize is the bounded read size used by the console pump and the
// firmware receiver.
const ChunkSize = 1024

// ChunkPool provides reusable chunk buffers, reducing GC pressure on
// the console and firmware copy loops.
var ChunkPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

// GetChunk retrieves a buffer from the pool.  Callers must return it
// with [PutChunk] when finished.
func GetChunk() *[]byte {
	return ChunkPool.Get().(*[]byte)
}

// PutChunk returns a buffer to the pool for reuse.
func PutChunk(buf *[]byte) {
	if buf == nil {
		return
	}
	ChunkPool.Put(buf)
}
