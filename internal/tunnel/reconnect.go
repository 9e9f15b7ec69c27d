package tunnel

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Reconnector drives the local side's infinite-retry dial logic (spec.md
// §4.7): a failed dial is retried every 2 seconds, forever, until ctx is
// cancelled. Grounded on the teacher's share/client.go connectionLoop, which
// uses a *backoff.Backoff the same way around its dial attempt; this
// collapses chisel's growing exponential interval to a fixed one by setting
// Min and Max equal, since the spec calls for linear retry rather than
// backoff.
type Reconnector struct {
	addr string
	name string
	b    backoff.Backoff
}

// NewReconnector builds a Reconnector that dials addr, naming the tunnel name.
func NewReconnector(addr, name string) *Reconnector {
	return &Reconnector{
		addr: addr,
		name: name,
		b:    backoff.Backoff{Min: 2 * time.Second, Max: 2 * time.Second},
	}
}

// Next blocks until a Tunnel is established or ctx is done, retrying every
// 2 seconds in between.
func (r *Reconnector) Next(ctx context.Context) (Tunnel, error) {
	for {
		t, err := Dial(r.addr, r.name)
		if err == nil {
			r.b.Reset()
			return t, nil
		}
		select {
		case <-time.After(r.b.Duration()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
