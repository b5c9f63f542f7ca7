// Package realtime maintains a single streaming connection to a change feed
// and fans row-level change events out to dynamically registered listeners.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/chatterhq/realtime/config"
	"github.com/chatterhq/realtime/event"
	"github.com/chatterhq/realtime/feed"
	"github.com/chatterhq/realtime/feed/natsfeed"
	"github.com/chatterhq/realtime/feed/pgfeed"
	"github.com/chatterhq/realtime/logger"
	"github.com/chatterhq/realtime/registry"
)

// ErrClosed is returned by WaitUntilReady when the dispatcher is closed
// before the connection ever opened.
var ErrClosed = errors.New("dispatcher is closed")

type Dispatcher interface {
	Start(ctx context.Context)
	WaitUntilReady(ctx context.Context) error
	Close()

	Subscribe(filter registry.Filter, handler registry.Handler) func()
	Tick(table string) uint64
	IsConnected() bool
	Status() feed.Status
}

type dispatcher struct {
	// Configuration and dependencies
	cfg     *config.Config
	factory feed.Factory
	reg     *registry.Registry

	// Connection state
	source feed.Source
	status feed.Status
	ctx    context.Context

	// Channels
	readyCh chan struct{}
	doneCh  chan struct{}

	// Synchronization (always last)
	readyOnce  sync.Once
	closeOnce  sync.Once
	mu         sync.Mutex
	retryTimer *time.Timer
	gen        uint64
	closed     atomic.Bool
}

// New builds a Dispatcher with the feed transport selected by the config.
func New(cfg config.Config) (Dispatcher, error) {
	cfg.SetDefault()

	var factory feed.Factory
	switch cfg.Feed.Kind {
	case config.FeedNATS:
		factory = natsfeed.Factory(cfg.Feed.NATS.URL, cfg.Feed.NATS.Subject)
	case config.FeedPostgres:
		factory = pgfeed.Factory(cfg.Feed.Postgres.DSN, cfg.Feed.Postgres.Channel, cfg.Feed.ReconnectDelay)
	}
	return NewDispatcher(cfg, factory)
}

// NewDispatcher builds a Dispatcher over an explicit source factory.
func NewDispatcher(cfg config.Config, factory feed.Factory) (Dispatcher, error) {
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("feed factory is required")
	}

	logger.SetLevel(cfg.Logger.LogrusLevel())

	return &dispatcher{
		cfg:     &cfg,
		factory: factory,
		reg:     registry.New(),
		status:  feed.StatusClosed,
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start establishes the connection in the background. Calling Start on a
// running dispatcher tears the live connection down and replaces it.
func (d *dispatcher) Start(ctx context.Context) {
	if d.closed.Load() {
		return
	}

	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	go d.establishLoop(ctx)
}

// establishLoop dials until the connection is up, retrying forever on a flat
// delay. Connection failures are never fatal to the process.
func (d *dispatcher) establishLoop(ctx context.Context) {
	err := retry.Do(
		func() error {
			return d.establish(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(d.cfg.Feed.ReconnectDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("feed connect failed, retrying", "attempt", n+1, "delay", d.cfg.Feed.ReconnectDelay, "error", err)
		}),
	)
	if err != nil {
		logger.Error("feed establishment abandoned", "error", err)
	}
}

// establish takes ownership of the connection slot: it invalidates any dial
// still in flight, closes the prior handle, and installs the new source only
// if this attempt is still the most recent one when Connect returns. A
// superseded or closed-out dial closes its own source instead of storing it,
// so at most one connection is ever live and no handle leaks.
func (d *dispatcher) establish(ctx context.Context) error {
	if d.closed.Load() {
		return nil
	}

	d.mu.Lock()
	d.gen++
	gen := d.gen
	prev := d.source
	d.source = nil
	d.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	// Callbacks are gated on the generation so a replaced connection can
	// never deliver events or statuses alongside its successor.
	src := d.factory(
		func(e *event.ChangeEvent) {
			if d.isCurrent(gen) {
				d.dispatch(e)
			}
		},
		func(status feed.Status, err error) {
			if d.isCurrent(gen) {
				d.handleStatus(status, err)
			}
		},
	)
	if err := src.Connect(ctx); err != nil {
		src.Close()
		if !d.isCurrent(gen) {
			// A newer dial owns the slot; stop retrying from this one.
			return nil
		}
		d.setStatus(feed.StatusError)
		return err
	}

	d.mu.Lock()
	if d.closed.Load() || d.gen != gen {
		d.mu.Unlock()
		src.Close()
		return nil
	}
	d.source = src
	d.mu.Unlock()
	return nil
}

// isCurrent reports whether the dial identified by gen still owns the
// connection slot.
func (d *dispatcher) isCurrent(gen uint64) bool {
	if d.closed.Load() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == gen
}

func (d *dispatcher) teardown() {
	d.mu.Lock()
	d.gen++
	src := d.source
	d.source = nil
	d.mu.Unlock()

	if src != nil {
		src.Close()
	}
}

func (d *dispatcher) dispatch(e *event.ChangeEvent) {
	logger.Debug("dispatching change event", "table", e.Table, "eventType", e.Type)
	d.reg.Dispatch(e)
}

func (d *dispatcher) handleStatus(status feed.Status, err error) {
	if d.closed.Load() {
		return
	}

	d.setStatus(status)

	switch {
	case status == feed.StatusOpen:
		logger.Info("feed connection open")
		d.readyOnce.Do(func() {
			close(d.readyCh)
		})
	case status.Terminal():
		logger.Warn("feed connection lost", "status", status, "error", err)
		d.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer unless one is already pending;
// at most one timer exists at a time.
func (d *dispatcher) scheduleReconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.retryTimer != nil {
		return
	}

	delay := d.cfg.Feed.ReconnectDelay
	logger.Info("scheduling reconnect", "delay", delay)
	d.retryTimer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.retryTimer = nil
		ctx := d.ctx
		d.mu.Unlock()

		if d.closed.Load() {
			return
		}
		d.establishLoop(ctx)
	})
}

func (d *dispatcher) setStatus(status feed.Status) {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()
}

// WaitUntilReady blocks until the connection has been open at least once.
// It returns ErrClosed if the dispatcher is closed before that happens.
func (d *dispatcher) WaitUntilReady(ctx context.Context) error {
	// Readiness already reached wins over a later Close.
	select {
	case <-d.readyCh:
		return nil
	default:
	}

	select {
	case <-d.readyCh:
		return nil
	case <-d.doneCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)

		d.mu.Lock()
		if d.retryTimer != nil {
			d.retryTimer.Stop()
			d.retryTimer = nil
		}
		d.mu.Unlock()

		d.teardown()
		d.setStatus(feed.StatusClosed)
		close(d.doneCh)
		logger.Info("dispatcher closed")
	})
}

// Subscribe registers a listener; the returned function removes it.
func (d *dispatcher) Subscribe(filter registry.Filter, handler registry.Handler) func() {
	return d.reg.Subscribe(filter, handler)
}

func (d *dispatcher) Tick(table string) uint64 {
	return d.reg.Tick(table)
}

func (d *dispatcher) IsConnected() bool {
	return d.Status() == feed.StatusOpen
}

func (d *dispatcher) Status() feed.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}
