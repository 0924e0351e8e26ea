package peer

import (
	"context"
	"sync"
	"time"
)

// poller runs tick after delay and then every interval. Ticks never
// overlap. The context passed to tick is cancelled by Stop.
type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startPoller(parent context.Context, delay, interval time.Duration, tick func(ctx context.Context)) *poller {
	ctx, cancel := context.WithCancel(parent)
	p := &poller{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}

// Stop cancels the poller without waiting. It is safe to call from tick.
func (p *poller) Stop() {
	p.once.Do(p.cancel)
}

// Wait blocks until the poller goroutine has exited
func (p *poller) Wait() {
	<-p.done
}
