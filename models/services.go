// relaybot/models/services.go
package models

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// --- Stateful Services ---

// FloodLimiter throttles private-chat traffic per user ID.
type FloodLimiter struct {
	Mu       sync.Mutex
	Limiters map[int64]*rate.Limiter
	LastSeen map[int64]time.Time
	LastWarn map[int64]time.Time

	every  time.Duration
	burst  int
	expire time.Duration
}

// NewFloodLimiter creates and starts a new flood limiter.
func NewFloodLimiter(every time.Duration, burst int, prune, expire time.Duration) *FloodLimiter {
	fl := &FloodLimiter{
		Limiters: make(map[int64]*rate.Limiter),
		LastSeen: make(map[int64]time.Time),
		LastWarn: make(map[int64]time.Time),
		every:    every,
		burst:    burst,
		expire:   expire,
	}
	go fl.cleanup(prune)
	return fl
}

// Allow reports whether a message from userID may be processed now.
func (fl *FloodLimiter) Allow(userID int64) bool {
	fl.Mu.Lock()
	defer fl.Mu.Unlock()
	limiter, exists := fl.Limiters[userID]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(fl.every), fl.burst)
		fl.Limiters[userID] = limiter
	}
	fl.LastSeen[userID] = time.Now()
	return limiter.Allow()
}

// ShouldWarn reports whether a throttled user should get one "slow down"
// reply; repeat offenses within the warning window stay silent.
func (fl *FloodLimiter) ShouldWarn(userID int64) bool {
	fl.Mu.Lock()
	defer fl.Mu.Unlock()
	if last, ok := fl.LastWarn[userID]; ok && time.Since(last) < 2*time.Minute {
		return false
	}
	fl.LastWarn[userID] = time.Now()
	return true
}

// cleanup periodically removes old entries from the limiter maps.
func (fl *FloodLimiter) cleanup(prune time.Duration) {
	for range time.Tick(prune) {
		fl.Mu.Lock()
		cutoff := time.Now().Add(-fl.expire)
		for userID, lastSeen := range fl.LastSeen {
			if lastSeen.Before(cutoff) {
				delete(fl.Limiters, userID)
				delete(fl.LastSeen, userID)
				delete(fl.LastWarn, userID)
			}
		}
		fl.Mu.Unlock()
	}
}
