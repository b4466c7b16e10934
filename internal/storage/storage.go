// Package storage defines the File-System interface the Block Cache's
// miss path and the Upload Server's fulfillment path read and write
// through (spec.md §6): async_read, async_write and async_hash,
// rendered the way the teacher's disk workers are — dispatched onto
// their own goroutine and reporting back over a result channel, rather
// than blocking the caller's goroutine on disk I/O.
//
// Nothing in this module owns a file-backed implementation of
// FileSystem; it is a narrow collaborator interface in the same
// leaf-ward spirit as internal/request.Picker.
package storage

import "github.com/cenkalti/rain/v2/internal/bufferpool"

// ReadResult is delivered on the channel passed to AsyncRead.
type ReadResult struct {
	Piece  uint32
	Offset uint32
	Buffer bufferpool.Buffer
	Err    error
}

// WriteResult is delivered on the channel passed to AsyncWrite.
type WriteResult struct {
	Piece  uint32
	Offset uint32
	Err    error
}

// HashResult is delivered on the channel passed to AsyncHash.
type HashResult struct {
	Piece uint32
	Sum   [20]byte
	Err   error
}

// FileSystem is the asynchronous disk interface spec.md §6 names.
// Implementations must not block the caller: each method dispatches
// the operation and returns immediately, delivering its result on
// resultC exactly once.
type FileSystem interface {
	AsyncRead(piece uint32, offset uint32, length int, resultC chan<- ReadResult)
	AsyncWrite(piece uint32, offset uint32, buf bufferpool.Buffer, resultC chan<- WriteResult)
	AsyncHash(piece uint32, resultC chan<- HashResult)
}
