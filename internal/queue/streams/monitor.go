package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics is a point-in-time view of a consumer group: entries delivered
// but unacked, entries not yet delivered, live consumers, and how long the
// oldest pending entry has been stuck.
type LagMetrics struct {
	Pending    int64
	Lag        int64
	Consumers  int64
	OldestIdle time.Duration
}

// GroupLag samples lag for group on stream. Lag comes back -1 when the group
// does not exist or the server predates XINFO lag reporting. The extraction
// worker polls this on its reclaim heartbeat.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	switch {
	case client == nil:
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	case stream == "":
		return LagMetrics{}, fmt.Errorf("stream is required")
	case group == "":
		return LagMetrics{}, fmt.Errorf("group is required")
	}

	infos, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}

	lag := LagMetrics{Lag: -1}
	for _, info := range infos {
		if info.Name != group {
			continue
		}
		lag.Pending = info.Pending
		lag.Lag = info.Lag
		lag.Consumers = int64(info.Consumers)
		break
	}
	if lag.Pending == 0 {
		return lag, nil
	}

	// One XPENDING probe for the age of the oldest stuck entry.
	entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil && err != redis.Nil {
		return LagMetrics{}, fmt.Errorf("xpending %s: %w", stream, err)
	}
	if len(entries) > 0 {
		lag.OldestIdle = entries[0].Idle
	}
	return lag, nil
}
