package dnc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState is the breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// ErrCircuitBreakerOpen is returned without calling the registry while the
// breaker is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // half-open successes that close it again
	Timeout          time.Duration // open period before a half-open probe
	MaxRequests      int           // concurrent probes allowed while half-open
}

// circuitBreaker guards one registry endpoint. State lives in atomics so the
// closed path never takes a lock.
type circuitBreaker struct {
	config          CircuitBreakerConfig
	now             func() time.Time
	state           int32 // atomic
	openedAt        int64 // atomic: unix nano
	failures        int64 // atomic: consecutive
	halfOpenOK      int64 // atomic
	halfOpenPending int64 // atomic
}

func newCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *circuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 1
	}
	if now == nil {
		now = time.Now
	}
	return &circuitBreaker{config: config, now: now}
}

// State returns the current circuit state
func (cb *circuitBreaker) State() CircuitState {
	switch atomic.LoadInt32(&cb.state) {
	case stateOpen:
		return CircuitOpen
	case stateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// allow reports whether a call may proceed. Callers that were allowed must
// report back through record.
func (cb *circuitBreaker) allow() bool {
	switch atomic.LoadInt32(&cb.state) {
	case stateClosed:
		return true

	case stateOpen:
		openedAt := time.Unix(0, atomic.LoadInt64(&cb.openedAt))
		if cb.now().Sub(openedAt) < cb.config.Timeout {
			return false
		}
		if atomic.CompareAndSwapInt32(&cb.state, stateOpen, stateHalfOpen) {
			atomic.StoreInt64(&cb.halfOpenOK, 0)
			atomic.StoreInt64(&cb.halfOpenPending, 0)
		}
		return cb.allowProbe()

	case stateHalfOpen:
		return cb.allowProbe()

	default:
		return false
	}
}

func (cb *circuitBreaker) allowProbe() bool {
	if atomic.AddInt64(&cb.halfOpenPending, 1) > int64(cb.config.MaxRequests) {
		atomic.AddInt64(&cb.halfOpenPending, -1)
		return false
	}
	return true
}

func (cb *circuitBreaker) record(err error) {
	state := atomic.LoadInt32(&cb.state)
	if state == stateHalfOpen {
		atomic.AddInt64(&cb.halfOpenPending, -1)
	}

	if err != nil {
		cb.recordFailure(state)
		return
	}

	atomic.StoreInt64(&cb.failures, 0)
	if state == stateHalfOpen &&
		atomic.AddInt64(&cb.halfOpenOK, 1) >= int64(cb.config.SuccessThreshold) {
		atomic.CompareAndSwapInt32(&cb.state, stateHalfOpen, stateClosed)
	}
}

func (cb *circuitBreaker) recordFailure(state int32) {
	switch state {
	case stateHalfOpen:
		cb.trip(stateHalfOpen)
	case stateClosed:
		if atomic.AddInt64(&cb.failures, 1) >= int64(cb.config.FailureThreshold) {
			cb.trip(stateClosed)
		}
	}
}

func (cb *circuitBreaker) trip(from int32) {
	if atomic.CompareAndSwapInt32(&cb.state, from, stateOpen) {
		atomic.StoreInt64(&cb.openedAt, cb.now().UnixNano())
		atomic.StoreInt64(&cb.failures, 0)
	}
}

// breakerSet holds one breaker per registry (keyed by country), created on
// first use.
type breakerSet struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[string]*circuitBreaker
}

func newBreakerSet(config CircuitBreakerConfig, now func() time.Time) *breakerSet {
	return &breakerSet{config: config, now: now, breakers: make(map[string]*circuitBreaker)}
}

func (s *breakerSet) get(key string) *circuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb = newCircuitBreaker(s.config, s.now)
	s.breakers[key] = cb
	return cb
}

// States reports every known breaker's state.
func (s *breakerSet) States() map[string]CircuitState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CircuitState, len(s.breakers))
	for k, cb := range s.breakers {
		out[k] = cb.State()
	}
	return out
}
