package cache

import (
	"context"
	"log"
	"time"
)

// StartRefresher runs a non-forced Refresh every interval until ctx is done
// or Close is called. Each tick is a no-op while the data is still fresh.
func (c *Cache) StartRefresher(parent context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	c.refreshCancel = cancel
	c.refreshWG.Add(1)
	go func() {
		defer c.refreshWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx, false); err != nil && ctx.Err() == nil {
					log.Printf("periodic shape refresh error: %v", err)
				}
			}
		}
	}()
}
