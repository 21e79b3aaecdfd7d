package worker

import (
	"strings"
	"time"

	"github.com/suPer8Hu/teamchat/internal/config"
)

// DefaultTransientMarkers are connection failure signatures of the chat store that
// are worth retrying.
var DefaultTransientMarkers = []string{
	"connection was closed",
	"connection does not exist",
	"server closed the connection",
	"terminating connection due to administrator command",
	"connection already closed",
	"connection refused",
	"connection reset by peer",
	"broken pipe",
	"invalid connection",
	"bad connection",
}

// Classifier decides which failures are transient. Matching is a case-insensitive
// substring test against the error text.
type Classifier struct {
	markers []string
}

// NewClassifier uses markers, or DefaultTransientMarkers when none are given.
func NewClassifier(markers []string) *Classifier {
	var clean []string
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			clean = append(clean, m)
		}
	}
	if len(clean) == 0 {
		for _, m := range DefaultTransientMarkers {
			clean = append(clean, strings.ToLower(m))
		}
	}
	return &Classifier{markers: clean}
}

func (c *Classifier) Transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range c.markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Backoff is a bounded exponential retry schedule.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func BackoffFromConfig(cfg config.RetryConfig) Backoff {
	b := Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay, MaxAttempts: cfg.MaxAttempts}
	if b.Base <= 0 {
		b.Base = 5 * time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// Delay returns the wait before retry number n (1-based): Base, 2*Base, 4*Base...
// capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
