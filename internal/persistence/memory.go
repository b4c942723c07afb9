package persistence

import (
	"context"
	"sync"
)

// Memory keeps records in process. It backs tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// Write implements Sink
func (m *Memory) Write(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns stored records of kind, or all records when kind is empty
func (m *Memory) Records(kind string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}
