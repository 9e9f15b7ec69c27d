package tunnel

import (
	"testing"

	"github.com/prep/socketpair"

	"github.com/sidgwick/revtunnel/internal/frame"
)

func TestTunnelSendRecvRoundTrip(t *testing.T) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New: %v", err)
	}
	defer a.Close()
	defer b.Close()

	left := newTunnel("left", "left-peer", a, a)
	right := newTunnel("right", "right-peer", b, b)

	want := []*frame.Frame{
		frame.Open(123, 9001),
		frame.Data(123, []byte("hello, backend")),
		frame.Heartbeat(),
		frame.Close(123),
	}

	done := make(chan error, 1)
	go func() {
		for _, f := range want {
			if err := left.Send(f); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for _, wantFrame := range want {
		got, err := right.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got.Op != wantFrame.Op {
			t.Errorf("Op = %v, want %v", got.Op, wantFrame.Op)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	if right.Stats().received == 0 {
		t.Error("expected non-zero received byte count")
	}
}

func TestTunnelSendSerializesUnderConcurrency(t *testing.T) {
	a, b, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair.New: %v", err)
	}
	defer a.Close()
	defer b.Close()

	left := newTunnel("left", "left-peer", a, a)
	right := newTunnel("right", "right-peer", b, b)

	const n = 20
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(id uint64) {
			errCh <- left.Send(frame.Data(id, []byte("x")))
		}(uint64(i))
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		f, err := right.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if f.Op != frame.OpData || len(f.Payload) != 1 {
			t.Fatalf("received malformed frame %+v; a concurrent Send interleaved mid-frame", f)
		}
		seen[f.ID] = true
	}
	if len(seen) != n {
		t.Errorf("saw %d distinct ids, want %d", len(seen), n)
	}
}
