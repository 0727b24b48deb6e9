package datastep

import (
	"bytes"
	"runtime"
	"strconv"
)

const Version = "0.3.0"

// GetGID returns the id of the calling goroutine.  It is only good
// for log lines.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}
