package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/entitlement-service/pkg/logger"
)

// MemoryTracker хранит счетчики в памяти процесса. Каждый экземпляр сервиса
// имеет свой бюджет.
type MemoryTracker struct {
	mu       sync.Mutex
	limit    int
	capacity int
	sessions map[string]map[string]int
	queue    []QueuedUsage
	dropped  int64
	onDrop   DropHook
	log      *logger.Logger
}

// NewMemoryTracker создает трекер с лимитом на инструмент и емкостью очереди.
func NewMemoryTracker(limit, capacity int, onDrop DropHook, log *logger.Logger) *MemoryTracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryTracker{
		limit:    limit,
		capacity: capacity,
		sessions: make(map[string]map[string]int),
		onDrop:   onDrop,
		log:      log,
	}
}

func (t *MemoryTracker) Limit() int { return t.limit }

func (t *MemoryTracker) Check(_ context.Context, userID, tool string) (Allowance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return allowance(t.sessions[userID][tool], t.limit), nil
}

func (t *MemoryTracker) Increment(_ context.Context, userID, tool string, at time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[userID]
	if !ok {
		s = make(map[string]int)
		t.sessions[userID] = s
	}
	s[tool]++

	t.queue = append(t.queue, QueuedUsage{UserID: userID, Tool: tool, At: at.UTC()})
	t.trimLocked()
	return s[tool], nil
}

// trimLocked вытесняет самые старые элементы сверх емкости.
func (t *MemoryTracker) trimLocked() {
	over := len(t.queue) - t.capacity
	if over <= 0 {
		return
	}
	t.queue = append([]QueuedUsage(nil), t.queue[over:]...)
	t.dropped += int64(over)
	t.log.Warnw("Fallback queue overflow, dropped oldest items", "dropped", over, "totalDropped", t.dropped)
	if t.onDrop != nil {
		t.onDrop(over)
	}
}

func (t *MemoryTracker) Drain(_ context.Context) ([]QueuedUsage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := t.queue
	t.queue = nil
	return items, nil
}

func (t *MemoryTracker) Requeue(_ context.Context, items []QueuedUsage) error {
	if len(items) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	merged := make([]QueuedUsage, 0, len(items)+len(t.queue))
	merged = append(merged, items...)
	merged = append(merged, t.queue...)
	t.queue = merged
	t.trimLocked()
	return nil
}

func (t *MemoryTracker) Clear(_ context.Context, userID string) error {
	t.mu.Lock()
	delete(t.sessions, userID)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTracker) Usage(_ context.Context, userID string) (map[string]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.sessions[userID]))
	for tool, n := range t.sessions[userID] {
		out[tool] = n
	}
	return out, nil
}

func (t *MemoryTracker) QueueLen(_ context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue), nil
}

func (t *MemoryTracker) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
