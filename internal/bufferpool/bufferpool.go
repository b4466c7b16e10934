// Package bufferpool provides reusable byte buffers so block-sized
// payloads that flow between the wire, the request pipeline and the block
// cache do not cause an allocation per block.
package bufferpool

import "sync"

// Pool is a wrapper around sync.Pool with a helper Release method on returned objects.
// Objects in the Pool are Buffers which are wrapper of a slice with a pointer to the Pool object.
type Pool struct {
	pool   sync.Pool
	buflen int
}

// New returns a new Pool for Buffers of size buflen.
func New(buflen int) *Pool {
	return &Pool{
		buflen: buflen,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, buflen)
				return &b
			},
		},
	}
}

// BufferLength returns the fixed capacity buffers in this pool are
// allocated with, as given to New.
func (p *Pool) BufferLength() int { return p.buflen }

// Get a new Buffer from the pool. datalen must not exceed buffer length given in constructor.
// You should release the Buffer after your work is done by calling Buffer.Release.
func (p *Pool) Get(datalen int) Buffer {
	buf := p.pool.Get().(*[]byte)
	b := newBuffer(buf, datalen, p)
	pin(b.Data)
	return b
}

// Buffer is a slice with a pointer to Pool.
type Buffer struct {
	Data []byte
	buf  *[]byte
	pool *Pool
}

func newBuffer(buf *[]byte, length int, pool *Pool) Buffer {
	return Buffer{
		Data: (*buf)[:length],
		buf:  buf,
		pool: pool,
	}
}

// Release the Buffer and return it to the Pool.
func (b Buffer) Release() {
	unpin(b.Data)
	// argument to Put should be pointer-like to avoid allocations
	b.pool.pool.Put(b.buf)
}
