package store

import (
	"context"
	"fmt"

	"github.com/rendis/casework/pkg/schema"
)

// AuditLog records command events through a Repository.
type AuditLog struct {
	repo Repository
}

// NewAuditLog creates an AuditLog over the given repository.
func NewAuditLog(repo Repository) *AuditLog {
	return &AuditLog{repo: repo}
}

// SaveCommandEvent appends the event to its stream and sets its sequence.
func (a *AuditLog) SaveCommandEvent(ctx context.Context, event *schema.CommandEvent) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeInvalidInput, "command event is nil")
	}
	if event.Command == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "command event has no command name")
	}
	if err := a.repo.AppendCommandEvent(ctx, event); err != nil {
		return fmt.Errorf("append command event: %w", err)
	}
	return nil
}

// Events returns events of a stream with sequence > since.
func (a *AuditLog) Events(ctx context.Context, key string, since int64) ([]*schema.CommandEvent, error) {
	return a.repo.ListCommandEvents(ctx, AuditFilter{Key: key, Since: since})
}

// History returns the full event stream of key. It fails when the stored
// sequences are not contiguous from 1.
func (a *AuditLog) History(ctx context.Context, key string) ([]*schema.CommandEvent, error) {
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "audit key is empty")
	}
	events, err := a.repo.ListCommandEvents(ctx, AuditFilter{Key: key})
	if err != nil {
		return nil, fmt.Errorf("get events for history: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in audit stream %s: expected %d, got %d", key, expected, e.Sequence)
		}
	}
	return events, nil
}

// Summary counts the completed and failed commands of a stream.
type Summary struct {
	Total    int            `json:"total"`
	Failed   int            `json:"failed"`
	ByCode   map[string]int `json:"by_code,omitempty"`
	Commands map[string]int `json:"commands"`
}

// Summarize aggregates the history of key.
func (a *AuditLog) Summarize(ctx context.Context, key string) (*Summary, error) {
	events, err := a.History(ctx, key)
	if err != nil {
		return nil, err
	}
	s := &Summary{Commands: make(map[string]int)}
	for _, e := range events {
		s.Total++
		s.Commands[e.Command]++
		if !e.Completed {
			s.Failed++
			if s.ByCode == nil {
				s.ByCode = make(map[string]int)
			}
			s.ByCode[e.ErrorCode]++
		}
	}
	return s, nil
}

var _ AuditSink = (*AuditLog)(nil)
