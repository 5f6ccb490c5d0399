package genqueue

import "time"

const (
	// rateWindow is the span of the per-user sliding admission window.
	rateWindow = time.Minute
	// rateGCInterval is both the sweep cadence and the idle threshold past
	// which a bucket is deleted.
	rateGCInterval = 5 * time.Minute
)

type (
	// rateLimiter tracks per-user admission stamps in sliding windows. All
	// access is serialized by the manager lock; the GC sweep therefore
	// never races a check-and-append.
	rateLimiter struct {
		buckets map[string]*rateBucket
		limit   int
	}

	rateBucket struct {
		window      *ringBuffer[int64]
		lastCleanup time.Time
	}
)

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*rateBucket),
		limit:   limit,
	}
}

// allow prunes stamps older than the window, refuses if the user already has
// limit admissions inside it, and otherwise records now as an admission.
// The empty user id is a valid bucket (anonymous callers share it).
func (x *rateLimiter) allow(userID string, now time.Time) bool {
	b := x.buckets[userID]
	if b == nil {
		b = &rateBucket{window: newRingBuffer[int64](16)}
		x.buckets[userID] = b
	}
	b.window.RemoveBefore(b.window.Search(now.Add(-rateWindow).UnixNano()))
	b.lastCleanup = now
	if b.window.Len() >= x.limit {
		return false
	}
	b.window.Append(now.UnixNano())
	return true
}

// sweep prunes every bucket and deletes those left empty or untouched for
// longer than the GC interval.
func (x *rateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rateWindow).UnixNano()
	for userID, b := range x.buckets {
		b.window.RemoveBefore(b.window.Search(cutoff))
		if b.window.Len() == 0 || now.Sub(b.lastCleanup) > rateGCInterval {
			delete(x.buckets, userID)
		}
	}
}
