package tunnel

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// Stats tracks cumulative bytes sent/received on a Tunnel, grounded on the
// teacher's share/connstats.go ConnStats (same atomic-counter shape, widened
// to byte counts, which both sides log when a tunnel closes).
type Stats struct {
	sent     int64
	received int64
}

func (s *Stats) addSent(n int)     { atomic.AddInt64(&s.sent, int64(n)) }
func (s *Stats) addReceived(n int) { atomic.AddInt64(&s.received, int64(n)) }

// String renders human-readable cumulative byte counts, e.g. "[sent 4.2kB, received 318B]".
func (s *Stats) String() string {
	sent := atomic.LoadInt64(&s.sent)
	recv := atomic.LoadInt64(&s.received)
	return fmt.Sprintf("[sent %s, received %s]", sizestr.ToString(sent), sizestr.ToString(recv))
}
