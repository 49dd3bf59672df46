// Package limiter provides token-bucket backpressure for ModelRouter pool
// entries. It adapts the teacher's adaptive-rate-limiter idiom (AIMD
// tokens-per-minute budget over golang.org/x/time/rate, with an optional
// cross-process shared budget) to the delegation engine's simpler per-call
// Wait/Observe contract.
package limiter

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"delegate.run/engine/errs"
)

// ErrRateLimited is the sentinel a Client adapter should wrap its error in
// (via errors.Join or fmt.Errorf("...: %w", ErrRateLimited)) when the
// provider rejects a call for rate-limit reasons, so Observe can tell a
// rate-limit failure from any other kind of error.
var ErrRateLimited = errors.New("limiter: provider rate limited the call")

// Limiter bounds the rate of calls to one model endpoint. Wait blocks (or
// returns an error) until a call may proceed; Observe reports whether the
// call that followed succeeded, a rate-limit response, or any other error,
// letting the limiter adapt its budget.
type Limiter interface {
	Wait(ctx context.Context, estimatedTokens int) error
	Observe(err error)
}

// InMemory is a process-local AIMD token-per-minute limiter: each
// successful call nudges the budget up toward Max, each rate-limited call
// halves it down toward Min.
type InMemory struct {
	mu sync.Mutex

	limiter *rate.Limiter

	current float64
	min     float64
	max     float64
	step    float64
}

// NewInMemory constructs an InMemory limiter with the given starting and
// maximum tokens-per-minute budget. A non-positive initialTPM defaults to a
// conservative 60000.
func NewInMemory(initialTPM, maxTPM float64) *InMemory {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	min := initialTPM * 0.1
	if min < 1 {
		min = 1
	}
	step := initialTPM * 0.05
	if step < 1 {
		step = 1
	}
	return &InMemory{
		limiter: rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		current: initialTPM,
		min:     min,
		max:     maxTPM,
		step:    step,
	}
}

// Wait blocks until estimatedTokens worth of budget is available.
func (l *InMemory) Wait(ctx context.Context, estimatedTokens int) error {
	if estimatedTokens <= 0 {
		estimatedTokens = 1
	}
	if err := l.limiter.WaitN(ctx, estimatedTokens); err != nil {
		return errs.Wrap(errs.KindModelTimeout, err)
	}
	return nil
}

// Observe adjusts the budget: halves it on a rate-limit signal, otherwise
// nudges it up by one recovery step toward max.
func (l *InMemory) Observe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var next float64
	switch {
	case errors.Is(err, ErrRateLimited):
		next = l.current * 0.5
		if next < l.min {
			next = l.min
		}
	case err == nil:
		next = l.current + l.step
		if next > l.max {
			next = l.max
		}
	default:
		return
	}
	if next == l.current {
		return
	}
	l.current = next
	l.limiter.SetLimit(rate.Limit(next / 60.0))
	l.limiter.SetBurst(int(next))
}

// Shared is a Redis-backed limiter: its tokens-per-minute budget is a
// single value shared by every process racing to call the same endpoint,
// published with a plain SET (the last writer wins; there is no
// compare-and-set), adapting the teacher's rmap TestAndSet ladder to a
// plain Redis key.
type Shared struct {
	inner *InMemory

	rdb *redis.Client
	key string
	min float64
	max float64
}

// NewShared constructs a Redis-coordinated limiter. It makes no Redis call
// itself and does not seed key; it operates like InMemory locally,
// publishing its budget to key on every Observe and adopting the shared
// value only when Sync is called.
func NewShared(rdb *redis.Client, key string, initialTPM, maxTPM float64) *Shared {
	inner := NewInMemory(initialTPM, maxTPM)
	return &Shared{inner: inner, rdb: rdb, key: key, min: inner.min, max: inner.max}
}

// Wait delegates to the local token bucket; the shared budget is only
// reconciled on Observe, since Wait must never block on a network call.
func (s *Shared) Wait(ctx context.Context, estimatedTokens int) error {
	return s.inner.Wait(ctx, estimatedTokens)
}

// Observe updates the local bucket immediately, then best-effort publishes
// the new budget to Redis so other processes converge toward it.
func (s *Shared) Observe(err error) {
	s.inner.Observe(err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.rdb.Set(ctx, s.key, strconv.FormatFloat(s.inner.current, 'f', -1, 64), 0)
}

// Sync reads the shared budget from Redis and adopts it locally if present.
func (s *Shared) Sync(ctx context.Context) error {
	val, err := s.rdb.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	tpm, err := strconv.ParseFloat(val, 64)
	if err != nil || tpm <= 0 {
		return nil
	}
	s.inner.mu.Lock()
	defer s.inner.mu.Unlock()
	if tpm < s.min {
		tpm = s.min
	}
	if tpm > s.max {
		tpm = s.max
	}
	s.inner.current = tpm
	s.inner.limiter.SetLimit(rate.Limit(tpm / 60.0))
	s.inner.limiter.SetBurst(int(tpm))
	return nil
}
