//go:build !linux

package sdnotify

import "time"

var start = time.Now()

func monotonicUsec() int64 {
	return time.Since(start).Microseconds()
}
