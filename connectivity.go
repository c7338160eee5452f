package roomchat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Prober checks whether the server is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ConnectivityOptions configures a Connectivity monitor.
type ConnectivityOptions struct {
	// Prober is optional; without it the monitor only reacts to explicit
	// SetOnline calls.
	Prober        Prober
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Clock         clockwork.Clock
	Logger        *slog.Logger
}

func (o *ConnectivityOptions) defaults() {
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 15 * time.Second
	}
	if o.ProbeTimeout == 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Connectivity tracks online/offline transitions. It starts online.
type Connectivity struct {
	opts   ConnectivityOptions
	logger *slog.Logger

	mu        sync.Mutex
	online    bool
	visible   bool
	nextID    int
	listeners map[int]func(bool)
}

// NewConnectivity creates a monitor.
func NewConnectivity(opts ConnectivityOptions) *Connectivity {
	opts.defaults()
	return &Connectivity{
		opts:      opts,
		logger:    opts.Logger.With("component", "connectivity"),
		online:    true,
		visible:   true,
		listeners: make(map[int]func(bool)),
	}
}

// Online returns the current network state.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// OnChange registers fn for every transition and returns a function that
// removes it.
func (c *Connectivity) OnChange(fn func(online bool)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// SetOnline records an explicit network signal and notifies listeners when
// the state changes.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	listeners := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	c.logger.Info("connectivity changed", "online", online)
	for _, fn := range listeners {
		safeCall(func() { fn(online) })
	}
}

// SetVisible records a foreground/background change. Coming back to the
// foreground triggers a probe because a backgrounded client can miss a
// transition.
func (c *Connectivity) SetVisible(ctx context.Context, visible bool) {
	c.mu.Lock()
	wasVisible := c.visible
	c.visible = visible
	c.mu.Unlock()
	if visible && !wasVisible {
		c.Check(ctx)
	}
}

// Check probes the server once and updates the state. Without a prober it
// is a no-op.
func (c *Connectivity) Check(ctx context.Context) {
	if c.opts.Prober == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	err := c.opts.Prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Debug("probe failed", "error", err)
	}
	c.SetOnline(err == nil)
}

// Run probes periodically until ctx is done. It returns immediately when no
// prober is configured.
func (c *Connectivity) Run(ctx context.Context) error {
	if c.opts.Prober == nil {
		return nil
	}
	ticker := c.opts.Clock.NewTicker(c.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			c.mu.Lock()
			visible := c.visible
			c.mu.Unlock()
			if visible {
				c.Check(ctx)
			}
		}
	}
}
