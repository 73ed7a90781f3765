package governance

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// QuotaConfig sets a per-account token rate.
type QuotaConfig struct {
	// PerSecond is the sustained number of tokens per second.
	PerSecond float64
	// Burst is the bucket size. Defaults to PerSecond rounded up.
	Burst int
}

// Quotas keeps one token bucket per account so that sessions charging the
// same account share a budget.
type Quotas struct {
	mu      sync.Mutex
	config  QuotaConfig
	buckets map[string]*rate.Limiter
	now     func() time.Time
}

// NewQuotas creates an empty quota set.
func NewQuotas(config QuotaConfig) *Quotas {
	if config.Burst <= 0 {
		config.Burst = max(int(config.PerSecond+0.999), 1)
	}
	return &Quotas{config: config, buckets: make(map[string]*rate.Limiter), now: time.Now}
}

// Configure changes the rate of every existing and future bucket.
func (q *Quotas) Configure(config QuotaConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if config.Burst <= 0 {
		config.Burst = max(int(config.PerSecond+0.999), 1)
	}
	q.config = config
	now := q.now()
	for _, l := range q.buckets {
		l.SetLimitAt(now, rate.Limit(config.PerSecond))
		l.SetBurstAt(now, config.Burst)
	}
}

func (q *Quotas) enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.config.PerSecond > 0
}

func (q *Quotas) bucket(account string) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.buckets[account]
	if !ok {
		l = rate.NewLimiter(rate.Limit(q.config.PerSecond), q.config.Burst)
		q.buckets[account] = l
	}
	return l
}

// Reserve takes n tokens from account and returns how long the caller must
// wait before using them. Requests larger than the burst are charged the
// burst so that a single oversized chunk cannot stall forever.
func (q *Quotas) Reserve(account string, n int) time.Duration {
	if !q.enabled() || n <= 0 {
		return 0
	}
	l := q.bucket(account)
	if n > l.Burst() {
		n = l.Burst()
	}
	now := q.now()
	r := l.ReserveN(now, n)
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}

// Allow reports whether n tokens are available right now, taking them if so.
func (q *Quotas) Allow(account string, n int) bool {
	if !q.enabled() {
		return true
	}
	return q.bucket(account).AllowN(q.now(), n)
}

// Accounts returns the number of tracked accounts.
func (q *Quotas) Accounts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets)
}
