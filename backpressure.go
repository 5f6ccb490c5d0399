package genqueue

import "time"

// ewmaAlpha is the weight of each new processing-time sample.
const ewmaAlpha = 0.1

// capacityModel sizes the waiting room from observed processing time. The
// exponentially weighted moving average warm-starts on the first sample;
// samples are successful completions and timeouts only, never
// user-cancellations. Until the cold-start gate (twice the concurrency in
// completions) the heuristic cap applies, so a handful of slow early tasks
// cannot strangle admission. Access is serialized by the manager lock.
type capacityModel struct {
	avgProcessingMS float64
	maxQueueTime    time.Duration
	queueMultiplier int
	completions     int
	primed          bool
}

func (x *capacityModel) sample(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if !x.primed {
		x.avgProcessingMS = ms
		x.primed = true
	} else {
		x.avgProcessingMS = ewmaAlpha*ms + (1-ewmaAlpha)*x.avgProcessingMS
	}
	x.completions++
}

// effectiveCap bounds queued+running: the lesser of the heuristic cap
// (concurrency times the queue multiplier) and the time-based cap (how many
// tasks fit through within the max queue time at the observed average).
func (x *capacityModel) effectiveCap(concurrency int) int {
	heuristic := concurrency * x.queueMultiplier
	if !x.primed || x.completions < 2*concurrency || x.avgProcessingMS <= 0 {
		return heuristic
	}
	timeBased := int(float64(x.maxQueueTime/time.Millisecond) / x.avgProcessingMS)
	if timeBased < heuristic {
		return timeBased
	}
	return heuristic
}

// waitingRoom is the queued capacity available for new tasks, never below 1
// so that an idle queue always admits.
func (x *capacityModel) waitingRoom(concurrency, active int) int {
	room := x.effectiveCap(concurrency) - active
	if room < 1 {
		room = 1
	}
	return room
}
