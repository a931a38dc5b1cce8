package poller

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSubmitInterval — минимальный интервал между запусками одной сессии.
const DefaultSubmitInterval = 10 * time.Second

// maxIdleSessions — при таком числе сессий guard удаляет простаивающие.
const maxIdleSessions = 4096

// SubmitGuard ограничивает частоту запусков по клиентской сессии:
// не больше одного запуска за интервал.
type SubmitGuard struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSubmitGuard создаёт guard. interval ≤ 0 — DefaultSubmitInterval.
func NewSubmitGuard(interval time.Duration, now func() time.Time) *SubmitGuard {
	if interval <= 0 {
		interval = DefaultSubmitInterval
	}
	if now == nil {
		now = time.Now
	}
	return &SubmitGuard{
		interval: interval,
		now:      now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow расходует разрешение сессии. Если запуск слишком частый,
// возвращает false и сколько ждать до следующего разрешения.
func (g *SubmitGuard) Allow(sessionID string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	lim, ok := g.limiters[sessionID]
	if !ok {
		if len(g.limiters) >= maxIdleSessions {
			g.pruneLocked(now)
		}
		lim = rate.NewLimiter(rate.Every(g.interval), 1)
		g.limiters[sessionID] = lim
	}

	if lim.AllowN(now, 1) {
		return true, 0
	}

	missing := 1 - lim.TokensAt(now)
	wait := time.Duration(missing * float64(g.interval)).Round(time.Millisecond)
	return false, wait
}

// Reset забывает сессию.
func (g *SubmitGuard) Reset(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, sessionID)
}

// Sessions возвращает число отслеживаемых сессий.
func (g *SubmitGuard) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}

// pruneLocked удаляет сессии с полным запасом: для них guard
// ничего не помнит.
func (g *SubmitGuard) pruneLocked(now time.Time) {
	for id, lim := range g.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(g.limiters, id)
		}
	}
}
