// Package fallback содержит состояние деградированного режима: сессионные
// счетчики использования, очередь для повторного применения и кеш последнего
// известного плана пользователя.
package fallback

import (
	"context"
	"time"
)

// DefaultLimit - сколько раз инструмент доступен пользователю в деградированном режиме.
const DefaultLimit = 3

// QueuedUsage - использование, записанное в деградированном режиме и
// ожидающее переноса в основное хранилище.
type QueuedUsage struct {
	UserID string    `json:"user_id"`
	Tool   string    `json:"tool"`
	At     time.Time `json:"at"`
}

// Allowance - ответ трекера на проверку доступа.
type Allowance struct {
	CanUse    bool
	Used      int
	Remaining int
}

// Tracker - счетчик использований на время недоступности хранилища.
// Не является источником истины.
type Tracker interface {
	Check(ctx context.Context, userID, tool string) (Allowance, error)
	// Increment увеличивает сессионный счетчик и ставит использование в очередь.
	Increment(ctx context.Context, userID, tool string, at time.Time) (int, error)
	// Drain забирает всю очередь.
	Drain(ctx context.Context) ([]QueuedUsage, error)
	// Requeue возвращает непримененные элементы в начало очереди.
	Requeue(ctx context.Context, items []QueuedUsage) error
	Clear(ctx context.Context, userID string) error
	Usage(ctx context.Context, userID string) (map[string]int, error)
	QueueLen(ctx context.Context) (int, error)
	Dropped() int64
	Limit() int
}

// DropHook вызывается, когда переполненная очередь вытесняет старые элементы.
type DropHook func(n int)

func allowance(used, limit int) Allowance {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Allowance{CanUse: used < limit, Used: used, Remaining: remaining}
}
