package p2p

import (
	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// requestLimiter throttles the peer exchange requests a single session may make.
type requestLimiter struct {
	limiter *rate.Limiter
	clock   clock.Clock
}

func newRequestLimiter(perSecond float64, burst int, clk clock.Clock) *requestLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &requestLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), clock: clk}
}

func (l *requestLimiter) allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(l.clock.Now(), 1)
}
