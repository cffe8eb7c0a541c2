package common

import (
	"bytes"
	"sync"
)

// bufferPool recycles the scratch buffers request handlers read
// message bodies into.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

func GetBuffer() *bytes.Buffer {
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func BackBuffer(b *bytes.Buffer) {
	b.Reset()
	bufferPool.Put(b)
}
