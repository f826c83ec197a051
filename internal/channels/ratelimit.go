package channels

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatbridge/internal/bots"
)

// sendLimiter paces outbound posts per bot instance. Instances with a
// RateLimit of 0 are not limited. Safe for concurrent use.
type sendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newSendLimiter() *sendLimiter {
	return &sendLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until bot may post again or ctx is done.
func (l *sendLimiter) Wait(ctx context.Context, bot bots.BotInstanceConfig) error {
	if bot.RateLimit <= 0 {
		return nil
	}
	return l.get(bot).Wait(ctx)
}

func (l *sendLimiter) get(bot bots.BotInstanceConfig) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[bot.Name]
	if !ok {
		burst := int(math.Ceil(bot.RateLimit))
		lim = rate.NewLimiter(rate.Limit(bot.RateLimit), max(burst, 1))
		l.limiters[bot.Name] = lim
	}
	return lim
}
