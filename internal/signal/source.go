package signal

import (
	"context"
	"sync"
)

// IndicatorSource supplies raw indicator values for a subject. Implementations
// wrap market-data providers; a missing indicator is simply absent from the map.
type IndicatorSource interface {
	Indicators(ctx context.Context, subjectID, category string) (map[string]*float64, error)
}

// StaticSource serves fixed values, keyed by category then subject.
// Subjects without an entry get the category's "*" entry, if any.
type StaticSource struct {
	mu     sync.RWMutex
	values map[string]map[string]map[string]*float64
}

// NewStaticSource creates an empty static source
func NewStaticSource() *StaticSource {
	return &StaticSource{values: make(map[string]map[string]map[string]*float64)}
}

// Set registers values for a subject. Use "*" as subjectID for a category default.
func (s *StaticSource) Set(category, subjectID string, values map[string]*float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySubject, ok := s.values[category]
	if !ok {
		bySubject = make(map[string]map[string]*float64)
		s.values[category] = bySubject
	}
	bySubject[subjectID] = copyValues(values)
}

// Indicators implements IndicatorSource
func (s *StaticSource) Indicators(ctx context.Context, subjectID, category string) (map[string]*float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	bySubject := s.values[category]
	if v, ok := bySubject[subjectID]; ok {
		return copyValues(v), nil
	}
	if v, ok := bySubject["*"]; ok {
		return copyValues(v), nil
	}
	return map[string]*float64{}, nil
}

func copyValues(in map[string]*float64) map[string]*float64 {
	out := make(map[string]*float64, len(in))
	for k, v := range in {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = Float(*v)
	}
	return out
}
