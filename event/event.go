// Package event defines the canonical change event flowing through the
// dispatch pipeline: one row-level INSERT, UPDATE or DELETE on one table.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TypeInsert Type = "INSERT"
	TypeUpdate Type = "UPDATE"
	TypeDelete Type = "DELETE"

	// TypeWildcard matches any event type in a filter.
	TypeWildcard Type = ""
)

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrEmptyRows   = errors.New("change event carries neither new nor old row")
)

// ChangeEvent is the normalized unit emitted by a feed source. CommitTime is
// non-decreasing per source but not strictly ordered across reconnects; it is
// a diagnostic hint, never a correctness input.
type ChangeEvent struct {
	Schema     string         `json:"schema"`
	Table      string         `json:"table"`
	Type       Type           `json:"type"`
	CommitTime time.Time      `json:"commit_timestamp"`
	New        map[string]any `json:"new,omitempty"`
	Old        map[string]any `json:"old,omitempty"`
}

// Decode parses a wire payload into a validated ChangeEvent.
func Decode(data []byte) (*ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode change event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *ChangeEvent) Validate() error {
	switch e.Type {
	case TypeInsert:
		if e.New == nil {
			return fmt.Errorf("%s %s.%s: %w", e.Type, e.Schema, e.Table, ErrEmptyRows)
		}
	case TypeDelete:
		if e.Old == nil {
			return fmt.Errorf("%s %s.%s: %w", e.Type, e.Schema, e.Table, ErrEmptyRows)
		}
	case TypeUpdate:
		// Old may be partial or absent depending on source configuration.
		if e.New == nil && e.Old == nil {
			return fmt.Errorf("%s %s.%s: %w", e.Type, e.Schema, e.Table, ErrEmptyRows)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return nil
}

// Row returns the row snapshot most representative of the event: the new row
// when present, otherwise the old one.
func (e *ChangeEvent) Row() map[string]any {
	if e.New != nil {
		return e.New
	}
	return e.Old
}
