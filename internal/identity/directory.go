package identity

import (
	"context"
	"sync"

	"github.com/rendis/casework/pkg/schema"
)

// StaticDirectory is an in-memory Directory, replaced wholesale on catalog reload.
type StaticDirectory struct {
	mu         sync.RWMutex
	principals map[string]*Principal
}

// NewStaticDirectory creates a directory holding the given principals.
func NewStaticDirectory(principals ...*Principal) *StaticDirectory {
	d := &StaticDirectory{}
	d.Replace(principals)
	return d
}

// Replace swaps the directory contents.
func (d *StaticDirectory) Replace(principals []*Principal) {
	m := make(map[string]*Principal, len(principals))
	for _, p := range principals {
		if p == nil || p.ID == "" {
			continue
		}
		cp := *p
		if cp.Type == "" {
			cp.Type = PrincipalTypeHuman
		}
		m[p.ID] = &cp
	}
	d.mu.Lock()
	d.principals = m
	d.mu.Unlock()
}

// Lookup returns a copy of the principal with the given id.
func (d *StaticDirectory) Lookup(_ context.Context, id string) (*Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.principals[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePrincipalNotFound, "principal %q not found", id).
			WithDetails(map[string]any{"principal_id": id})
	}
	cp := *p
	return &cp, nil
}

var _ Directory = (*StaticDirectory)(nil)
