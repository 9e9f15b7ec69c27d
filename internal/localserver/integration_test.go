package localserver_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sidgwick/revtunnel/internal/config"
	"github.com/sidgwick/revtunnel/internal/localserver"
	"github.com/sidgwick/revtunnel/internal/logging"
	"github.com/sidgwick/revtunnel/internal/remoteserver"
)

// runEchoBackend starts a TCP echo server on addr until ctx is done.
func runEchoBackend(ctx context.Context, t *testing.T, addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("echo backend listen %s: %v", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 1024)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
}

// dialWithRetry retries dialing addr until it succeeds or the deadline
// passes, for synchronizing against a listener starting up in another
// goroutine.
func dialWithRetry(t *testing.T, addr string, timeout time.Duration) net.Conn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("could not dial %s: %v", addr, lastErr)
	return nil
}

// TestEchoOverTCPTunnel is scenario S1: a client connects to the local
// proxy port, and bytes round-trip through the tunnel to a backend echo
// server and back.
func TestEchoOverTCPTunnel(t *testing.T) {
	const (
		backendAddr = "127.0.0.1:19001"
		remoteBind  = "127.0.0.1:19100"
		localPort   = 19201
		remotePort  = 19001
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logging.New("test", logging.LevelError)

	runEchoBackend(ctx, t, backendAddr)

	rs := remoteserver.New(log)
	go rs.Run(ctx, "tcp://"+remoteBind)

	lcfg := &config.LocalConfig{
		RemoteServers: []config.RemoteServer{{Name: "R", Addr: "tcp://" + remoteBind}},
		ProxyList:     []config.Proxy{{Local: localPort, Remote: remotePort, RemoteName: "R"}},
	}
	ls := localserver.New(lcfg, log)
	go ls.Run(ctx, lcfg)

	clientAddr := fmt.Sprintf("127.0.0.1:%d", localPort)
	conn := dialWithRetry(t, clientAddr, 3*time.Second)
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if line != "ping\n" {
		t.Fatalf("got %q, want %q", line, "ping\n")
	}
}

// TestEchoOverWSTunnel is scenario S7: the WebSocket carrier must behave
// identically to the TCP carrier (TestEchoOverTCPTunnel), not merely
// plausibly so by code inspection of internal/wsproto.
func TestEchoOverWSTunnel(t *testing.T) {
	const (
		backendAddr = "127.0.0.1:19003"
		remoteBind  = "127.0.0.1:19102"
		localPort   = 19203
		remotePort  = 19003
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logging.New("test", logging.LevelError)

	runEchoBackend(ctx, t, backendAddr)

	rs := remoteserver.New(log)
	go rs.Run(ctx, "ws://"+remoteBind)

	lcfg := &config.LocalConfig{
		RemoteServers: []config.RemoteServer{{Name: "R", Addr: "ws://" + remoteBind}},
		ProxyList:     []config.Proxy{{Local: localPort, Remote: remotePort, RemoteName: "R"}},
	}
	ls := localserver.New(lcfg, log)
	go ls.Run(ctx, lcfg)

	clientAddr := fmt.Sprintf("127.0.0.1:%d", localPort)
	conn := dialWithRetry(t, clientAddr, 3*time.Second)
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if line != "ping\n" {
		t.Fatalf("got %q, want %q", line, "ping\n")
	}
}

// TestThreeConcurrentConnectionsNoCrossTalk is scenario S3.
func TestThreeConcurrentConnectionsNoCrossTalk(t *testing.T) {
	const (
		backendAddr = "127.0.0.1:19002"
		remoteBind  = "127.0.0.1:19101"
		localPort   = 19202
		remotePort  = 19002
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logging.New("test", logging.LevelError)
	runEchoBackend(ctx, t, backendAddr)

	rs := remoteserver.New(log)
	go rs.Run(ctx, "tcp://"+remoteBind)

	lcfg := &config.LocalConfig{
		RemoteServers: []config.RemoteServer{{Name: "R", Addr: "tcp://" + remoteBind}},
		ProxyList:     []config.Proxy{{Local: localPort, Remote: remotePort, RemoteName: "R"}},
	}
	ls := localserver.New(lcfg, log)
	go ls.Run(ctx, lcfg)

	clientAddr := fmt.Sprintf("127.0.0.1:%d", localPort)
	letters := []string{"A", "B", "C"}
	conns := make([]net.Conn, len(letters))
	for i := range letters {
		conns[i] = dialWithRetry(t, clientAddr, 3*time.Second)
		defer conns[i].Close()
	}

	for i, letter := range letters {
		if _, err := conns[i].Write([]byte(letter)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i, letter := range letters {
		conns[i].SetReadDeadline(time.Now().Add(3 * time.Second))
		buf := make([]byte, 1)
		if _, err := conns[i].Read(buf); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if string(buf) != letter {
			t.Fatalf("connection %d received %q, want %q (cross-talk)", i, buf, letter)
		}
	}
}
