package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/mgazza/meter-datafeeds/internal/datafeed"
)

// Static serves parent credentials from configuration. Disabling only lasts
// for the life of the process.
type Static struct {
	mu      sync.Mutex
	parents map[string]datafeed.Parent
}

// NewStatic returns a store keyed by datasource ID.
func NewStatic(parents map[string]datafeed.Parent) *Static {
	s := &Static{parents: make(map[string]datafeed.Parent, len(parents))}
	for id, p := range parents {
		s.parents[id] = p
	}
	return s
}

func (s *Static) Parent(_ context.Context, datasourceID string) (*datafeed.Parent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parents[datasourceID]
	if !ok {
		return nil, datafeed.ErrNoParent
	}
	return &p, nil
}

func (s *Static) Disable(_ context.Context, parentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for id, p := range s.parents {
		if p.ID == parentID {
			p.Enabled = false
			s.parents[id] = p
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %d", ErrParentNotFound, parentID)
	}
	return nil
}
