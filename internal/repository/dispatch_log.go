package repository

import (
	"context"
	"sync"

	"github.com/felipepmaragno/llm-chat-proxy/internal/domain"
)

// DispatchLog stores the outcome of every dispatch that reached the inference server.
type DispatchLog interface {
	Record(ctx context.Context, rec domain.DispatchRecord) error
	Recent(ctx context.Context, limit int) ([]domain.DispatchRecord, error)
}

// DefaultCapacity bounds the in-memory log.
const DefaultCapacity = 1000

// InMemoryDispatchLog is a fixed-size ring; the oldest records are overwritten.
type InMemoryDispatchLog struct {
	mu      sync.RWMutex
	records []domain.DispatchRecord
	next    int
	full    bool
}

func NewInMemoryDispatchLog(capacity int) *InMemoryDispatchLog {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InMemoryDispatchLog{records: make([]domain.DispatchRecord, capacity)}
}

func (l *InMemoryDispatchLog) Record(ctx context.Context, rec domain.DispatchRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.AttemptedEndpoints = append([]string{}, rec.AttemptedEndpoints...)
	l.records[l.next] = rec
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Recent returns up to limit records, newest first. A non-positive limit returns all.
func (l *InMemoryDispatchLog) Recent(ctx context.Context, limit int) ([]domain.DispatchRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.records)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]domain.DispatchRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.records)) % len(l.records)
		out = append(out, l.records[idx])
	}
	return out, nil
}

func (l *InMemoryDispatchLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.records)
	}
	return l.next
}
