package syncer

import (
	"sync/atomic"
	"time"
)

var lastRevision int64

// nextRevision returns a process-wide strictly increasing stamp derived from
// the clock in nanoseconds.
func nextRevision(now func() time.Time) int64 {
	for {
		rev := now().UnixNano()
		last := atomic.LoadInt64(&lastRevision)
		if rev <= last {
			rev = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastRevision, last, rev) {
			return rev
		}
	}
}
