//go:build linux

package bufferpool

import "golang.org/x/sys/unix"

// pin is called by Pool.Get on every buffer it hands out and gives the
// kernel an MADV_WILLNEED hint for the buffer's pages.
// Best effort: errors are ignored, this is an optimization hint only.
func pin(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Madvise(b, unix.MADV_WILLNEED)
}

// unpin is a no-op: MADV_DONTNEED would zero the pages under us, and this
// slice is going back into sync.Pool for reuse, not being freed.
func unpin(b []byte) {}
