package pipeline

// Stats is a point-in-time view of a pipeline, the numbers behind the debug overlay
type Stats struct {
	Name         string `json:"name"`
	Entries      int    `json:"entries"`
	Pending      int    `json:"pending"`
	Cached       int    `json:"cached"`
	NotAvailable int    `json:"not_available"`
	Queued       int    `json:"queued"`
	InFlight     int64  `json:"in_flight"`
	Started      int64  `json:"fetches_started"`
	Failed       int64  `json:"backend_failures"`
	Uploaded     int64  `json:"uploaded"`
}

// Stats counts tracked tiles by state
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Name:     p.opts.Name,
		Queued:   len(p.results),
		InFlight: p.inFlight.Load(),
		Started:  p.started.Load(),
		Failed:   p.failed.Load(),
		Uploaded: p.uploaded.Load(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, key := range p.tiles.Keys() {
		e, ok := p.tiles.Peek(key)
		if !ok {
			continue
		}
		s.Entries++
		switch e.state {
		case Pending:
			s.Pending++
		case Cached:
			s.Cached++
		case NotAvailable:
			s.NotAvailable++
		}
	}
	return s
}
