// Package poller implements the periodic readiness check for a provisioning
// session. It is the primary signal when no live channel is available and a
// redundant confirmation path otherwise.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"provisioner/pkg/logx"
	"provisioner/pkg/proto"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("poller already started")

// CheckFunc performs one status check. Implementations should honor the
// context deadline; the poller never overlaps calls.
type CheckFunc func(ctx context.Context) (proto.Status, error)

// Poller issues status checks at a fixed interval, bounded by a maximum
// wall-clock window. At most one check is in flight at a time: ticks that
// land while a slow check is running are skipped, not queued.
type Poller struct {
	interval  time.Duration
	maxWindow time.Duration
	logger    *logx.Logger

	mu      sync.Mutex
	started bool
	stop    chan struct{}

	wg sync.WaitGroup

	failures int // consecutive transient check failures, for diagnostics
}

// New creates a poller with the given cadence and window.
func New(interval, maxWindow time.Duration) *Poller {
	return &Poller{
		interval:  interval,
		maxWindow: maxWindow,
		logger:    logx.NewLogger("poller"),
	}
}

// Start begins polling. onStatus receives every observation, including
// transient failures (ready=false with Err attached). The poller stops on
// its own when a ready status is observed or the window elapses; the latter
// also invokes onTimeout. Single-use: a stopped poller cannot be restarted.
func (p *Poller) Start(ctx context.Context, check CheckFunc, onStatus func(proto.Status), onTimeout func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.stop = make(chan struct{})

	p.wg.Add(1)
	go p.run(ctx, check, onStatus, onTimeout)
	return nil
}

// Stop cancels polling. Idempotent; safe to call from callbacks.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if !p.started {
		return
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}

// Wait blocks until the polling loop has exited. Must not be called from
// callbacks.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Failures returns the count of consecutive transient check failures.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *Poller) run(ctx context.Context, check CheckFunc, onStatus func(proto.Status), onTimeout func()) {
	defer p.wg.Done()

	deadline := time.NewTimer(p.maxWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-deadline.C:
			p.logger.Warn("readiness not observed within %s", p.maxWindow)
			p.Stop()
			if onTimeout != nil {
				onTimeout()
			}
			return
		case <-ticker.C:
			// The check runs synchronously in this loop, so a slow check
			// simply causes later ticks to be dropped by the ticker.
			st, err := p.tick(ctx, check)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.mu.Lock()
				p.failures++
				n := p.failures
				p.mu.Unlock()
				p.logger.Debug("check failed (%d consecutive): %v", n, err)
				if onStatus != nil {
					onStatus(proto.Status{Ready: false, Err: err})
				}
				continue
			}

			p.mu.Lock()
			p.failures = 0
			p.mu.Unlock()

			if onStatus != nil {
				onStatus(st)
			}
			if st.Ready {
				p.Stop()
				return
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context, check CheckFunc) (proto.Status, error) {
	// Bound each check by the interval so one hung request cannot wedge the
	// loop for the whole window.
	tickCtx, cancel := context.WithTimeout(ctx, p.interval*2)
	defer cancel()
	return check(tickCtx)
}
