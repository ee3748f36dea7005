package outbox

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultBatchSize         = 100
	defaultInterval          = time.Second
	defaultLease             = 30 * time.Second
	defaultMaxRetries        = 3
	defaultBackoffInitial    = time.Second
	defaultBackoffMax        = 5 * time.Minute
	defaultBackoffMultiplier = 2.0
	defaultPruneEvery        = time.Hour
)

// Config controls relay polling, leasing and retry.
type Config struct {
	// Owner identifies this relay in lease columns. Defaults to host:pid.
	Owner     string
	BatchSize int
	Interval  time.Duration
	// Lease is how long a claimed event stays invisible to other relays.
	Lease time.Duration
	// MaxRetries is the number of retries after the first failed attempt.
	// An event whose attempt count exceeds it is marked failed.
	MaxRetries        int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	// Jitter is the randomization factor, 0 disables it.
	Jitter float64
	// Retention of zero disables pruning of dispatched events.
	Retention  time.Duration
	PruneEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         defaultBatchSize,
		Interval:          defaultInterval,
		Lease:             defaultLease,
		MaxRetries:        defaultMaxRetries,
		BackoffInitial:    defaultBackoffInitial,
		BackoffMax:        defaultBackoffMax,
		BackoffMultiplier: defaultBackoffMultiplier,
		Jitter:            0.2,
		PruneEvery:        defaultPruneEvery,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Owner == "" {
		host, _ := os.Hostname()
		c.Owner = host + ":" + strconv.Itoa(os.Getpid())
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(d.BackoffMax, c.BackoffInitial)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = d.PruneEvery
	}
}
