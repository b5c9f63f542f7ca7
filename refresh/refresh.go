// Package refresh turns raw change events into full-list refetch triggers.
// Consumers that want eventually consistent "whole collection" semantics
// watch a table and receive the refreshed canonical list after every change;
// a full refetch self-heals from events lost across a reconnect.
package refresh

import (
	"context"
	"fmt"
	"sync"

	"github.com/chatterhq/realtime/event"
	"github.com/chatterhq/realtime/logger"
	"github.com/chatterhq/realtime/registry"
)

// Fetcher runs the canonical list query for a table.
type Fetcher interface {
	FetchAll(ctx context.Context, table string) ([]map[string]any, error)
}

// Subscriber is the slice of the dispatcher the coordinator needs.
type Subscriber interface {
	Subscribe(filter registry.Filter, handler registry.Handler) func()
}

// ListFunc receives the refreshed list. It runs on the watch goroutine;
// publications for one watch never interleave.
type ListFunc func(rows []map[string]any)

// ErrorFunc receives fetch failures. They are reported, not retried; the
// previously published list stays in effect.
type ErrorFunc func(table string, err error)

type Coordinator struct {
	sub     Subscriber
	fetcher Fetcher
	onError ErrorFunc
}

type Option func(*Coordinator)

func WithErrorFunc(fn ErrorFunc) Option {
	return func(c *Coordinator) {
		c.onError = fn
	}
}

func New(sub Subscriber, fetcher Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		sub:     sub,
		fetcher: fetcher,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Watch publishes the full list for table once immediately and again after
// every change event on it. Bursts of events coalesce into one refetch.
// The returned function stops the watch.
func (c *Coordinator) Watch(ctx context.Context, table string, publish ListFunc) func() {
	trigger := make(chan struct{}, 1)
	stop := make(chan struct{})

	unsubscribe := c.sub.Subscribe(registry.Filter{Table: table}, func(*event.ChangeEvent) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	})

	go func() {
		c.refetch(ctx, table, publish)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-trigger:
				c.refetch(ctx, table, publish)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(stop)
		})
	}
}

func (c *Coordinator) refetch(ctx context.Context, table string, publish ListFunc) {
	rows, err := c.fetcher.FetchAll(ctx, table)
	if err != nil {
		logger.Error("list refetch failed", "table", table, "error", err)
		if c.onError != nil {
			c.onError(table, err)
		}
		return
	}
	publish(rows)
}

// WatchMerged is the incremental variant for high-frequency tables: it keeps
// the last published list and patches it in place by row id. Any event whose
// merge preconditions fail (no id column, unknown id on update, missing new
// row) falls back to a full refetch.
func (c *Coordinator) WatchMerged(ctx context.Context, table string, publish ListFunc) func() {
	events := make(chan *event.ChangeEvent, 64)
	trigger := make(chan struct{}, 1)
	stop := make(chan struct{})

	unsubscribe := c.sub.Subscribe(registry.Filter{Table: table}, func(e *event.ChangeEvent) {
		select {
		case events <- e:
		default:
			// Backlog overflow: drop the event and force a full refetch.
			select {
			case trigger <- struct{}{}:
			default:
			}
		}
	})

	go func() {
		var current []map[string]any
		fetch := func() {
			rows, err := c.fetcher.FetchAll(ctx, table)
			if err != nil {
				logger.Error("list refetch failed", "table", table, "error", err)
				if c.onError != nil {
					c.onError(table, err)
				}
				return
			}
			current = rows
			publish(current)
		}

		fetch()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-trigger:
				fetch()
			case e := <-events:
				merged, ok := merge(current, e)
				if !ok {
					fetch()
					continue
				}
				current = merged
				publish(current)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(stop)
		})
	}
}

// merge applies one event to the list by id. The second return value is
// false when the merge preconditions do not hold.
func merge(rows []map[string]any, e *event.ChangeEvent) ([]map[string]any, bool) {
	id, ok := rowID(e.Row())
	if !ok {
		return nil, false
	}

	switch e.Type {
	case event.TypeInsert:
		if indexOf(rows, id) >= 0 {
			return nil, false
		}
		merged := make([]map[string]any, 0, len(rows)+1)
		merged = append(merged, e.New)
		merged = append(merged, rows...)
		return merged, true
	case event.TypeUpdate:
		if e.New == nil {
			return nil, false
		}
		i := indexOf(rows, id)
		if i < 0 {
			return nil, false
		}
		merged := append([]map[string]any(nil), rows...)
		merged[i] = e.New
		return merged, true
	case event.TypeDelete:
		i := indexOf(rows, id)
		if i < 0 {
			// Already absent; deletion is idempotent.
			return rows, true
		}
		merged := append([]map[string]any(nil), rows[:i]...)
		merged = append(merged, rows[i+1:]...)
		return merged, true
	}
	return nil, false
}

func rowID(row map[string]any) (string, bool) {
	if row == nil {
		return "", false
	}
	id, ok := row["id"]
	if !ok || id == nil {
		return "", false
	}
	return fmt.Sprintf("%v", id), true
}

func indexOf(rows []map[string]any, id string) int {
	for i, row := range rows {
		if got, ok := rowID(row); ok && got == id {
			return i
		}
	}
	return -1
}
