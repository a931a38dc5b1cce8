package poller

import (
	"math"
	"time"
)

// Значения по умолчанию.
const (
	DefaultBase   = 2 * time.Second
	DefaultGrowth = 1.5
	DefaultCap    = 10 * time.Second

	// DefaultBudget — сколько раз вызывается describe, прежде чем
	// наблюдение прекращается.
	DefaultBudget = 120
)

// Backoff — расписание задержек между опросами.
type Backoff struct {
	Base   time.Duration
	Growth float64
	Cap    time.Duration
}

// DefaultBackoff возвращает расписание 2s × 1.5^n, не больше 10s.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBase, Growth: DefaultGrowth, Cap: DefaultCap}
}

// Delay возвращает задержку перед попыткой k (k ≥ 1).
//
// Первая попытка ждёт Base, каждая следующая — в Growth раз дольше,
// но не дольше Cap: 2000, 3000, 4500, 6750, 10000 ms для значений
// по умолчанию.
func (b Backoff) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	growth := b.Growth
	if growth < 1 {
		growth = 1
	}

	d := float64(b.Base) * math.Pow(growth, float64(k-1))
	if b.Cap > 0 && d >= float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}
