package connection

import (
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig shapes reconnect delays.
type BackoffConfig struct {
	Base   time.Duration `yaml:"base" json:"base"`
	Cap    time.Duration `yaml:"cap" json:"cap"`
	Jitter float64       `yaml:"jitter" json:"jitter"` // fraction of the delay added at random
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Base: 500 * time.Millisecond, Cap: 30 * time.Second, Jitter: 0.2}
}

// Backoff yields exponential delays with jitter. Successive delays never
// decrease and never exceed Cap until Reset.
type Backoff struct {
	mu      sync.Mutex
	cfg     BackoffConfig
	attempt int
	last    time.Duration
	rng     *rand.Rand
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Cap < cfg.Base {
		cfg.Cap = cfg.Base
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.cfg.Base
	for i := 0; i < b.attempt && d < b.cfg.Cap; i++ {
		d *= 2
	}
	b.attempt++
	if b.cfg.Jitter > 0 {
		d += time.Duration(b.rng.Float64() * b.cfg.Jitter * float64(d))
	}
	if d > b.cfg.Cap {
		d = b.cfg.Cap
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Attempts is the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset starts over once a connection has proven stable.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt, b.last = 0, 0
	b.mu.Unlock()
}
