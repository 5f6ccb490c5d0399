package genqueue

import "time"

type (
	// Clock abstracts the time source, for tests. Values returned by the
	// real clock carry Go's monotonic reading, so durations derived via Sub
	// are immune to wall-clock adjustment; epoch stamps come from the same
	// values via UnixMilli.
	Clock interface {
		Now() time.Time
	}

	realClock struct{}
)

func (realClock) Now() time.Time { return time.Now() }
