package hub

import (
	"context"
	"time"
)

// RunLivenessSweeper polls lastSeen every interval and invokes onTimeout once
// the gap since the last report exceeds interval × maxMissed. It returns
// when ctx is done or done is closed. Shared between the Worker Hub's
// heartbeat accounting and the Federation Handler's hub:health accounting,
// which are structurally identical liveness checks over different wire
// message names.
func RunLivenessSweeper(ctx context.Context, interval time.Duration, maxMissed int, lastSeen func() time.Time, onTimeout func(), done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	threshold := interval * time.Duration(maxMissed)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if time.Since(lastSeen()) > threshold {
				onTimeout()
				return
			}
		}
	}
}
