// Package poll refreshes server state on an interval while the host is
// visible. It backs up the stream for counters the stream does not carry and
// for periods when the stream is down.
package poll

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultInterval = 20 * time.Second
	DefaultCooldown = 5 * time.Second
)

// Config configures a Poller.
type Config struct {
	Interval time.Duration
	// Cooldown collapses refreshes requested shortly after the last one
	// completed. Negative disables it.
	Cooldown time.Duration
}

// Poller calls Fetch every Interval while visible.
type Poller struct {
	cfg    Config
	fetch  func(ctx context.Context) error
	logger *zap.Logger
	now    func() time.Time
	group  singleflight.Group

	mu       sync.Mutex
	parent   context.Context
	cancel   context.CancelFunc
	running  bool
	visible  bool
	lastDone time.Time
	wg       sync.WaitGroup
}

// New creates a Poller. It starts visible.
func New(cfg Config, fetch func(ctx context.Context) error, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	switch {
	case cfg.Cooldown == 0:
		cfg.Cooldown = DefaultCooldown
	case cfg.Cooldown < 0:
		cfg.Cooldown = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		cfg:     cfg,
		fetch:   fetch,
		logger:  logger.Named("poll"),
		now:     time.Now,
		visible: true,
	}
}

// Start begins polling. The first tick fires after one Interval. Calling
// Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.parent = ctx
	if p.visible {
		p.startTickerLocked()
	}
}

// Stop cancels the ticker and waits for the loop to exit. In-flight fetches
// see their context cancelled.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.running = false
	p.stopTickerLocked()
	p.mu.Unlock()
	p.wg.Wait()
}

// SetVisible pauses polling while hidden. Becoming visible resumes the
// ticker and runs one refresh immediately (subject to the cooldown).
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	if p.visible == visible {
		p.mu.Unlock()
		return
	}
	p.visible = visible
	if !p.running {
		p.mu.Unlock()
		return
	}
	if !visible {
		p.stopTickerLocked()
		p.mu.Unlock()
		p.logger.Debug("paused")
		return
	}
	ctx := p.startTickerLocked()
	// Add under the lock so a concurrent Stop waits for this refresh.
	p.wg.Add(1)
	p.mu.Unlock()
	p.logger.Debug("resumed")

	go func() {
		defer p.wg.Done()
		_ = p.Refresh(ctx)
	}()
}

// Visible reports the last visibility set.
func (p *Poller) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible
}

// Refresh runs Fetch unless a call is already in flight (callers share its
// result) or the last call completed within Cooldown (no call is made).
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.Lock()
	last := p.lastDone
	p.mu.Unlock()
	if !last.IsZero() && p.now().Sub(last) < p.cfg.Cooldown {
		return nil
	}

	_, err, shared := p.group.Do("refresh", func() (any, error) {
		err := p.fetch(ctx)
		p.mu.Lock()
		p.lastDone = p.now()
		p.mu.Unlock()
		return nil, err
	})
	if err != nil && !shared {
		p.logger.Warn("refresh failed", zap.Error(err))
	}
	return err
}

func (p *Poller) startTickerLocked() context.Context {
	p.stopTickerLocked()
	ctx, cancel := context.WithCancel(p.parent)
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx)
	return ctx
}

func (p *Poller) stopTickerLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = p.Refresh(ctx)
		}
	}
}
