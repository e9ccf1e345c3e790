//go:build linux

package socket

import "golang.org/x/sys/unix"

// maxSendfileChunk mirrors the clamp trantor applies before calling
// sendfile(2): some kernels silently cap or misbehave on very large
// single calls, so very large regions are sent in slices.
const maxSendfileChunk = 0x7ffff000

// SendFile attempts the zero-copy file-to-socket fast path. offset is
// advanced by the kernel and returned; n is the number of bytes moved in
// this call, which may be less than remaining when the socket buffer is
// full.
func SendFile(outFd, inFd int, offset int64, remaining int) (n int, newOffset int64, err error) {
	if remaining > maxSendfileChunk {
		remaining = maxSendfileChunk
	}
	off := offset
	n, err = unix.Sendfile(outFd, inFd, &off, remaining)
	if err != nil {
		return n, offset, err
	}
	return n, off, nil
}

// HasSendFile reports whether the zero-copy fast path is available on
// this platform.
const HasSendFile = true
