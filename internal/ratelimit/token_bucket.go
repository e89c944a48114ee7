package ratelimit

import (
	"sync"
	"time"
)

// One token is represented as 1e9 nano-tokens so refill math stays in
// integers; a rate of X tokens/sec adds X nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

const maxTokens = int64(^uint64(0)>>1) / nanoPerToken

// TokenBucket is the per-connection message limiter: a burst of up to
// capacity messages, refilled at rate messages per second. The injectable
// Clock keeps tests deterministic.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64
	rate     int64

	availableNano int64
	last          time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if capacity > maxTokens {
		capacity = maxTokens
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:         clock,
		capacity:      capacity,
		rate:          rate,
		availableNano: capacity * nanoPerToken,
		last:          clock.Now(),
	}
}

// Allow consumes one token, reporting false when the bucket is empty.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNano < nanoPerToken {
		return false
	}
	b.availableNano -= nanoPerToken
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	full := b.capacity * nanoPerToken
	deficit := full - b.availableNano
	// A full refill is detected before multiplying, so elapsed*rate stays
	// below the deficit and cannot overflow.
	if deficit <= 0 || elapsed.Nanoseconds() >= deficit/b.rate {
		b.availableNano = full
		return
	}
	b.availableNano += elapsed.Nanoseconds() * b.rate
	if b.availableNano > full {
		b.availableNano = full
	}
}
