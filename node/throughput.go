package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"castlink/network"
)

// rate is a per-second transfer rate in kilobytes.
type rate struct {
	InKBps  float64
	OutKBps float64
}

// throughput computes the rate between two samples of one endpoint. A
// counter that went backwards means a new endpoint, so cur is taken as the
// whole delta.
func throughput(prev, cur network.Stats, elapsed time.Duration) rate {
	if elapsed <= 0 {
		return rate{}
	}
	in, out := cur.BytesIn-prev.BytesIn, cur.BytesOut-prev.BytesOut
	if in < 0 || out < 0 {
		in, out = cur.BytesIn, cur.BytesOut
	}
	secs := elapsed.Seconds()
	return rate{
		InKBps:  float64(in) / 1024 / secs,
		OutKBps: float64(out) / 1024 / secs,
	}
}

// reportThroughput logs the session transfer rate once per interval while
// an endpoint exists.
func (n *Node) reportThroughput(ctx context.Context) {
	ticker := time.NewTicker(n.opts.StatsInterval)
	defer ticker.Stop()

	var prev network.Stats
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur, ok := n.manager.Stats()
			if !ok {
				prev, last = network.Stats{}, now
				continue
			}
			r := throughput(prev, cur, now.Sub(last))
			prev, last = cur, now
			if r.InKBps == 0 && r.OutKBps == 0 {
				continue
			}
			n.log.Info("throughput",
				zap.String("peer", n.manager.Session().PeerAddress),
				zap.Float64("in_kbps", r.InKBps),
				zap.Float64("out_kbps", r.OutKBps),
			)
		}
	}
}
