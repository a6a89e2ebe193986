package kvbind

import "sync"

// keyBytesPool holds scratch buffers for keys that are only used for lookups
// and seeks. Keys passed to Bucket.Put must stay valid for the whole
// transaction, so they never come from the pool.
var keyBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 1024)
	},
}

func getKeyBytes() []byte {
	return keyBytesPool.Get().([]byte)[:0]
}

func releaseKeyBytes(b []byte) {
	if cap(b) > 32768 { // max key size in Bolt
		return
	}
	keyBytesPool.Put(b[:0])
}

var emptyIndexValue = []byte{}
