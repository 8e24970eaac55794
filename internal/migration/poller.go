package migration

import (
	"context"
	"time"
)

// Poller calls tick on a fixed interval until stopped. The first tick runs
// immediately and ticks never overlap.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func StartPoller(ctx context.Context, interval time.Duration, tick func(context.Context)) *Poller {
	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if ctx.Err() != nil {
				return
			}
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

// Stop cancels the task and the context of a tick in progress. It does not
// wait, so it is safe to call from inside tick.
func (p *Poller) Stop() {
	p.cancel()
}

// Done is closed once the task goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}
