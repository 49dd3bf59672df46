package escalation

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Entry is one escalation call recorded in the journal: enough to compute
// a rolling hourly spend and to audit which role/model triggered it.
type Entry struct {
	Timestamp        time.Time `json:"timestamp"`
	Role             string    `json:"role"`
	ModelTag         string    `json:"model_tag"`
	EstimatedTokens  int       `json:"estimated_tokens"`
	CostEstimateUSD  float64   `json:"cost_estimate_usd"`
	TaskID           string    `json:"task_id"`
}

// Journal is an append-only record of escalation usage, queried for the
// rolling-hour spend EscalationManager checks against its budget.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	SpentSince(ctx context.Context, since time.Time) (float64, error)
}

// InMemoryJournal is a process-local Journal backed by a slice, pruned
// lazily on read. Suitable for a single-process deployment or tests.
type InMemoryJournal struct {
	mu      sync.Mutex
	entries []Entry
}

// NewInMemoryJournal builds an empty in-memory journal.
func NewInMemoryJournal() *InMemoryJournal {
	return &InMemoryJournal{}
}

// Record appends e.
func (j *InMemoryJournal) Record(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

// SpentSince sums CostEstimateUSD for every entry at or after since.
func (j *InMemoryJournal) SpentSince(_ context.Context, since time.Time) (float64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var total float64
	kept := j.entries[:0]
	for _, e := range j.entries {
		if e.Timestamp.Before(since) {
			continue
		}
		kept = append(kept, e)
		total += e.CostEstimateUSD
	}
	j.entries = kept
	return total, nil
}

// RedisJournal is a Redis-backed Journal: entries live in a sorted set
// keyed by arrival time, so a rolling window query is a single
// ZRANGEBYSCORE, and entries older than the window are pruned on each
// write. Adapts the same shared-state-over-a-single-key idiom as
// modelrouter/limiter.Shared.
type RedisJournal struct {
	rdb    *redis.Client
	key    string
	window time.Duration
}

// NewRedisJournal builds a Journal that stores entries under key in rdb,
// pruning anything older than window on every write.
func NewRedisJournal(rdb *redis.Client, key string, window time.Duration) *RedisJournal {
	if window <= 0 {
		window = time.Hour
	}
	return &RedisJournal{rdb: rdb, key: key, window: window}
}

// Record stores e and prunes entries older than the retention window.
func (j *RedisJournal) Record(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	member := uuid.NewString() + ":" + string(payload)
	score := float64(e.Timestamp.Unix())
	pipe := j.rdb.TxPipeline()
	pipe.ZAdd(ctx, j.key, redis.Z{Score: score, Member: member})
	cutoff := float64(e.Timestamp.Add(-j.window).Unix())
	pipe.ZRemRangeByScore(ctx, j.key, "-inf", strconv.FormatFloat(cutoff, 'f', 0, 64))
	_, err = pipe.Exec(ctx)
	return err
}

// SpentSince sums CostEstimateUSD across every entry scored at or after
// since.
func (j *RedisJournal) SpentSince(ctx context.Context, since time.Time) (float64, error) {
	members, err := j.rdb.ZRangeByScore(ctx, j.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, err
	}
	sort.Strings(members)
	var total float64
	for _, m := range members {
		idx := indexOfColon(m)
		if idx < 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(m[idx+1:]), &e); err != nil {
			continue
		}
		total += e.CostEstimateUSD
	}
	return total, nil
}

func indexOfColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
