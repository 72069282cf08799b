package lalog

import (
	"sync"
	"time"
)

// RateLimit tracks how many hits an actor has performed within the current
// interval, resetting its counters at the start of each new interval rather
// than maintaining a rolling window. It is used internally by Logger to keep
// a misbehaving connection from spamming the process log.
type RateLimit struct {
	UnitSecs int64
	MaxCount int

	lastTimestamp int64
	counter       map[string]int
	mutex         sync.Mutex
}

// NewRateLimit constructs a rate limiter. UnitSecs and MaxCount must both be
// greater than zero.
func NewRateLimit(unitSecs int64, maxCount int) *RateLimit {
	if unitSecs < 1 || maxCount < 1 {
		panic("lalog.NewRateLimit: UnitSecs and MaxCount must be greater than 0")
	}
	return &RateLimit{
		UnitSecs: unitSecs,
		MaxCount: maxCount,
		counter:  make(map[string]int),
	}
}

// Add increases the actor's hit counter by one and reports whether the actor
// is still within the limit for the current interval.
func (limit *RateLimit) Add(actor string) bool {
	limit.mutex.Lock()
	defer limit.mutex.Unlock()
	if now := time.Now().Unix(); now-limit.lastTimestamp >= limit.UnitSecs {
		limit.counter = make(map[string]int)
		limit.lastTimestamp = now
	}
	count := limit.counter[actor]
	if count >= limit.MaxCount {
		return false
	}
	limit.counter[actor] = count + 1
	return true
}
