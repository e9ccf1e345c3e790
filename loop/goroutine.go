package loop

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's runtime id from its own
// stack trace header ("goroutine 123 [running]:"). It is used purely
// for the loop-affinity assertions described in the spec (every public
// Connection entry point must know whether it is already running on its
// owning loop); it is never on a throughput-sensitive path.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
