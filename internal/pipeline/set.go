package pipeline

import (
	"github.com/samber/lo"

	"flightmap-desktop/internal/tile"
)

// Set holds one pipeline per imagery kind. A disabled kind is nil.
type Set struct {
	Satellite *Pipeline
	Weather   *Pipeline
}

// Get returns the pipeline for kind, or nil when the kind is disabled
func (s *Set) Get(kind tile.Kind) *Pipeline {
	switch kind {
	case tile.Satellite:
		return s.Satellite
	case tile.Weather:
		return s.Weather
	default:
		return nil
	}
}

// All returns the enabled pipelines in draw order
func (s *Set) All() []*Pipeline {
	return lo.Compact([]*Pipeline{s.Satellite, s.Weather})
}

// Update runs Update on every pipeline and returns the results processed
func (s *Set) Update() int {
	return lo.SumBy(s.All(), func(p *Pipeline) int {
		return p.Update()
	})
}

// Stats returns the stats of every enabled pipeline
func (s *Set) Stats() []Stats {
	return lo.Map(s.All(), func(p *Pipeline, _ int) Stats {
		return p.Stats()
	})
}

// Close closes every pipeline
func (s *Set) Close() {
	for _, p := range s.All() {
		p.Close()
	}
}
