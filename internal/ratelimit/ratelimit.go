// Package ratelimit enforces send cooldowns and failed-attempt windows for
// code-based authentication flows. State lives in the TTL cache and is
// best-effort: a lost entry fails open, which is the deliberate
// availability-over-strictness tradeoff for these flows.
package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"github.com/caretrail/caretrail/internal/cache"
)

// Default policy for sensitive code flows.
const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 10 * time.Minute
	DefaultCooldown    = 60 * time.Second
	OTPCooldown        = 30 * time.Second
)

type attemptState struct {
	count       int
	windowStart time.Time
}

// Limiter composes a send cooldown and a failed-attempt window on top of
// the cache. Keys are namespaced by action so flows never interfere.
type Limiter struct {
	store cache.Store
	now   func() time.Time
}

func New(store cache.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

func cooldownKey(action, identifier string) string {
	return fmt.Sprintf("cooldown:%s:%s", action, strings.ToLower(identifier))
}

func attemptKey(action, identifier string) string {
	return fmt.Sprintf("attempts:%s:%s", action, strings.ToLower(identifier))
}

// AllowSend reports whether a send is permitted for (action, identifier)
// and, when it is, records the send in the same atomic step. A rejected
// call leaves the marker untouched and returns the remaining wait.
func (l *Limiter) AllowSend(action, identifier string, cooldown time.Duration) (bool, time.Duration) {
	allowed := false
	var wait time.Duration

	l.store.Update(cooldownKey(action, identifier), func(prev any, ok bool) (any, time.Duration, bool) {
		now := l.now()
		if ok {
			lastSent := prev.(time.Time)
			if elapsed := now.Sub(lastSent); elapsed < cooldown {
				wait = cooldown - elapsed
				return prev, cooldown - elapsed, true
			}
		}
		allowed = true
		return now, cooldown, true
	})

	return allowed, wait
}

// CheckAttempt reports whether (action, identifier) is still under the
// failure budget. It never mutates state; pair it with RecordFailure.
func (l *Limiter) CheckAttempt(action, identifier string, maxAttempts int, window time.Duration) (allowed bool, remaining int, resetIn time.Duration) {
	prev, ok := l.store.Get(attemptKey(action, identifier))
	if !ok {
		return true, maxAttempts, 0
	}

	state := prev.(attemptState)
	elapsed := l.now().Sub(state.windowStart)
	if elapsed > window {
		return true, maxAttempts, 0
	}

	if state.count >= maxAttempts {
		return false, 0, window - elapsed
	}
	return true, maxAttempts - state.count, 0
}

// RecordFailure increments the failure counter for (action, identifier),
// starting a fresh window if the previous one has lapsed. It returns the
// attempts remaining in the current window.
func (l *Limiter) RecordFailure(action, identifier string, maxAttempts int, window time.Duration) int {
	remaining := maxAttempts

	l.store.Update(attemptKey(action, identifier), func(prev any, ok bool) (any, time.Duration, bool) {
		now := l.now()
		state := attemptState{count: 0, windowStart: now}
		if ok {
			state = prev.(attemptState)
			if now.Sub(state.windowStart) > window {
				state = attemptState{count: 0, windowStart: now}
			}
		}

		state.count++
		if left := maxAttempts - state.count; left > 0 {
			remaining = left
		} else {
			remaining = 0
		}
		return state, window, true
	})

	return remaining
}

// Clear drops the failure counter after a successful verification so the
// next legitimate flow starts with a full budget.
func (l *Limiter) Clear(action, identifier string) {
	l.store.Delete(attemptKey(action, identifier))
}
