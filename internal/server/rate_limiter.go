package server

import (
	"sync"
	"time"
)

type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

func newRateLimiter(capacity int, interval time.Duration, now time.Time) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: now,
	}
}

func (rl *rateLimiter) allowAt(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}

// full reports whether the bucket has refilled completely by now.
func (rl *rateLimiter) full(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens+now.Sub(rl.lastCheck).Seconds()*rl.rate >= rl.capacity
}

// senderLimiters keeps one token bucket per sender. Buckets that have
// refilled completely carry no state worth keeping and are swept.
type senderLimiters struct {
	mu        sync.Mutex
	buckets   map[string]*rateLimiter
	burst     int
	interval  time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newSenderLimiters(burst int, interval time.Duration) *senderLimiters {
	return &senderLimiters{
		buckets:  make(map[string]*rateLimiter),
		burst:    burst,
		interval: interval,
		now:      time.Now,
	}
}

func (s *senderLimiters) allow(sender string) bool {
	now := s.now()

	s.mu.Lock()
	if now.Sub(s.lastSweep) >= time.Minute {
		s.sweepLocked(now)
	}
	rl := s.buckets[sender]
	if rl == nil {
		rl = newRateLimiter(s.burst, s.interval, now)
		s.buckets[sender] = rl
	}
	s.mu.Unlock()

	return rl.allowAt(now)
}

func (s *senderLimiters) sweepLocked(now time.Time) {
	s.lastSweep = now
	for sender, rl := range s.buckets {
		if rl.full(now) {
			delete(s.buckets, sender)
		}
	}
}

func (s *senderLimiters) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
