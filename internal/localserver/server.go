// Package localserver implements the local side's server component (spec
// §4.5): owns the tunnels to each configured remote, the shared
// ConnectionTable, per-tunnel heartbeat, reconnect, and the dispatch of
// inbound frames to the owning LocalProxy. Grounded on the teacher's
// share/client.go for the connect/reconnect loop shape and share/server.go
// for running several listeners under one top-level component.
package localserver

import (
	"context"
	"sync"
	"time"

	"github.com/sidgwick/revtunnel/internal/config"
	"github.com/sidgwick/revtunnel/internal/frame"
	"github.com/sidgwick/revtunnel/internal/localproxy"
	"github.com/sidgwick/revtunnel/internal/logging"
	"github.com/sidgwick/revtunnel/internal/tunnel"
)

// Server owns every tunnel the local side maintains and the single
// ConnectionTable shared by all LocalProxy instances.
type Server struct {
	mu      sync.RWMutex
	tunnels map[string]tunnel.Tunnel // remote name -> current live tunnel, absent while reconnecting

	table   *tunnel.Table[*localproxy.Proxy]
	proxies []*localproxy.Proxy
	log     logging.Logger
}

// New builds a Server from a parsed LocalConfig. It does not dial or listen
// yet; call Run to start.
func New(cfg *config.LocalConfig, log logging.Logger) *Server {
	s := &Server{
		tunnels: make(map[string]tunnel.Tunnel),
		table:   tunnel.New[*localproxy.Proxy](),
		log:     log,
	}
	for _, p := range cfg.ProxyList {
		s.proxies = append(s.proxies, localproxy.New(p.Local, p.Remote, p.RemoteName, s, s.table, log))
	}
	return s
}

// TunnelFor implements localproxy.Router: the currently-live tunnel for a
// configured remote name, re-resolved on every call so reconnects are
// transparent to callers.
func (s *Server) TunnelFor(name string) (tunnel.Tunnel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tunnels[name]
	return t, ok
}

func (s *Server) setTunnel(name string, t tunnel.Tunnel) {
	s.mu.Lock()
	s.tunnels[name] = t
	s.mu.Unlock()
}

func (s *Server) clearTunnel(name string, t tunnel.Tunnel) {
	s.mu.Lock()
	if s.tunnels[name] == t {
		delete(s.tunnels, name)
	}
	s.mu.Unlock()
}

// Run starts every configured proxy listener and every configured remote's
// reconnect loop, and blocks until ctx is cancelled or a proxy listener
// fails outright (a bind failure, not a per-connection error).
func (s *Server) Run(ctx context.Context, cfg *config.LocalConfig) error {
	for _, rs := range cfg.RemoteServers {
		rs := rs
		go s.maintainTunnel(ctx, rs)
	}

	errCh := make(chan error, len(s.proxies))
	for _, p := range s.proxies {
		p := p
		go func() { errCh <- p.Run(ctx) }()
	}

	for range s.proxies {
		if err := <-errCh; err != nil {
			select {
			case <-ctx.Done():
			default:
				return err
			}
		}
	}
	<-ctx.Done()
	return nil
}

// maintainTunnel dials rs, runs its dispatch and heartbeat loops until the
// tunnel fails, tears down every id routed through it, and redials — per
// spec §4.7, forever, until ctx is cancelled.
func (s *Server) maintainTunnel(ctx context.Context, rs config.RemoteServer) {
	log := s.log.Fork(rs.Name)
	rec := tunnel.NewReconnector(rs.Addr, rs.Name)

	for {
		t, err := rec.Next(ctx)
		if err != nil {
			return
		}
		log.Infof("tunnel connected to %s", rs.Addr)
		s.setTunnel(rs.Name, t)

		done := make(chan struct{})
		go s.heartbeatLoop(ctx, t, done)

		s.dispatchLoop(t, log)
		close(done)

		s.clearTunnel(rs.Name, t)
		t.Close()
		s.teardownTunnel(rs.Name)
		log.Warnf("tunnel %s lost %s", rs.Name, t.Stats())

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dispatchLoop reads frames off t until Recv fails, routing DATA/CLOSE to
// the owning LocalProxy by ConnectionTable lookup and silently absorbing
// HEARTBEAT (§4.5) and unknown ids (§7 MissingIdError).
func (s *Server) dispatchLoop(t tunnel.Tunnel, log logging.Logger) {
	for {
		f, err := t.Recv()
		if err != nil {
			log.Warnf("tunnel recv failed: %v", err)
			return
		}
		switch f.Op {
		case frame.OpHeartbeat:
		case frame.OpData, frame.OpClose:
			entry, ok := s.table.Lookup(f.ID)
			if !ok {
				continue
			}
			entry.Extra.Deliver(f, entry)
		default:
			log.Debugf("unexpected frame %s from remote", f.Op)
		}
	}
}

// heartbeatLoop emits HEARTBEAT every 15 seconds (§4.5, §4.7). A send
// failure here must tear the tunnel down exactly like a recv failure: it
// closes t, which makes dispatchLoop's blocked Recv return an error and
// unwind the same teardown path.
func (s *Server) heartbeatLoop(ctx context.Context, t tunnel.Tunnel, done <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.Send(frame.Heartbeat()); err != nil {
				t.Close()
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// teardownTunnel closes and removes every ConnectionTable entry owned by a
// proxy routed through name, per §4.7: "in-flight application connections
// routed through that tunnel are lost."
func (s *Server) teardownTunnel(name string) {
	var stale []uint64
	s.table.Each(func(e *tunnel.Entry[*localproxy.Proxy]) {
		if e.Extra.RemoteName == name {
			stale = append(stale, e.ID)
			e.Conn.Close()
		}
	})
	for _, id := range stale {
		s.table.Remove(id)
	}
	if len(stale) > 0 {
		s.log.Debugf("tunnel %s teardown: closed %d in-flight connections", name, len(stale))
	}
}

