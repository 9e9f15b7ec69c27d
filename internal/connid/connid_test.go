package connid

import (
	"net"
	"testing"
)

func TestFromAddr(t *testing.T) {
	cases := []struct {
		name    string
		addr    net.Addr
		want    uint64
		wantErr bool
	}{
		{
			name: "ipv4 loopback",
			addr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 54321},
			want: (uint64(127)<<24 | uint64(0)<<16 | uint64(0)<<8 | uint64(1))<<16 | 54321,
		},
		{
			name:    "ipv6 rejected",
			addr:    &net.TCPAddr{IP: net.ParseIP("::1"), Port: 1},
			wantErr: true,
		},
		{
			name:    "non-tcp address rejected",
			addr:    &net.UnixAddr{Name: "/tmp/x"},
			wantErr: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := FromAddr(c.addr)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("FromAddr: %v", err)
			}
			if got != c.want {
				t.Errorf("FromAddr = %#x, want %#x", got, c.want)
			}
		})
	}
}

func TestFromAddrUniquePerPeer(t *testing.T) {
	a, err := FromAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000})
	if err != nil {
		t.Fatal(err)
	}
	b, err := FromAddr(&net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1001})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("distinct peer ports produced the same ConnectionId")
	}
}
