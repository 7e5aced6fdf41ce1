// Package protect polls the remote protect flag and pauses while a
// credential exchange holds blocking mode.
package protect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/metrics"
	"go.uber.org/atomic"
)

// Coordinator holds blocking mode. Blocking sections may nest.
type Coordinator struct {
	depth atomic.Int32
}

// EnterBlocking pauses the poller until the matching ExitBlocking.
func (c *Coordinator) EnterBlocking() {
	c.depth.Inc()
}

// ExitBlocking leaves one blocking section.
func (c *Coordinator) ExitBlocking() {
	if c.depth.Dec() < 0 {
		c.depth.Store(0)
	}
}

// Blocking reports whether any blocking section is active.
func (c *Coordinator) Blocking() bool {
	return c.depth.Load() > 0
}

// Checker reports the remote protect flag.
type Checker interface {
	Protect(ctx context.Context) (bool, error)
}

// Poller checks the protect flag on a fixed interval and calls OnProtect
// the first time it is set.
type Poller struct {
	Checker     Checker
	Coordinator *Coordinator
	Interval    time.Duration
	// RequestTimeout bounds one check. Defaults to 5s.
	RequestTimeout time.Duration
	OnProtect      func()
	Log            *slog.Logger

	fired atomic.Bool
}

// Run polls until ctx is done. A failing or panicking iteration is logged
// and the loop continues.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if p.Log == nil {
		p.Log = common.DiscardLogger()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.iteration(ctx); err != nil {
			p.Log.Debug("Protect check failed", "err", err)
		}
	}
}

// Fired reports whether OnProtect was called.
func (p *Poller) Fired() bool {
	return p.fired.Load()
}

func (p *Poller) iteration(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protect poller panic: %v", r)
			p.Log.Error("Recovered from panic in protect poller", "panic", r)
		}
	}()

	if p.fired.Load() || p.blocking() {
		return nil
	}

	timeout := p.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	protected, err := p.Checker.Protect(reqCtx)
	if err != nil {
		return err
	}
	// Blocking mode entered while the request was in flight makes the
	// answer stale.
	if !protected || p.blocking() {
		return nil
	}
	if !p.fired.CompareAndSwap(false, true) {
		return nil
	}

	metrics.ProtectSignals.Inc()
	p.Log.Warn("Protect signal received")
	if p.OnProtect != nil {
		p.OnProtect()
	}
	return nil
}

func (p *Poller) blocking() bool {
	return p.Coordinator != nil && p.Coordinator.Blocking()
}
