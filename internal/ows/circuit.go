package ows

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

type CircuitConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

type circuit struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool
}

// hostBreakers keeps one circuit per upstream host so one dead service does
// not cut off the others.
type hostBreakers struct {
	config   CircuitConfig
	now      func() time.Time
	mu       sync.Mutex
	circuits map[string]*circuit
}

func newHostBreakers(config CircuitConfig) *hostBreakers {
	if config.FailureThreshold <= 0 {
		config = DefaultCircuitConfig()
	}
	return &hostBreakers{
		config:   config,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

func (b *hostBreakers) get(host string) *circuit {
	c, ok := b.circuits[host]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[host] = c
	}
	return c
}

// Allow reports whether a request to host may go out. After the open timeout
// a single probe is let through.
func (b *hostBreakers) Allow(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(host)
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if b.now().Sub(c.lastFailure) >= b.config.OpenTimeout {
			c.state = CircuitHalfOpen
			c.probing = true
			return true
		}
		return false
	case CircuitHalfOpen:
		if !c.probing {
			c.probing = true
			return true
		}
		return false
	}
	return false
}

func (b *hostBreakers) RecordSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(host)
	c.state = CircuitClosed
	c.failures = 0
	c.probing = false
}

func (b *hostBreakers) RecordFailure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(host)
	c.lastFailure = b.now()
	c.probing = false

	switch c.state {
	case CircuitClosed:
		c.failures++
		if c.failures >= b.config.FailureThreshold {
			c.state = CircuitOpen
		}
	case CircuitHalfOpen:
		c.state = CircuitOpen
	}
}

func (b *hostBreakers) State(host string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(host).state
}
