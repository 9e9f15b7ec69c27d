// Package remoteserver implements the remote side (spec §4.6): accepts
// tunnels over TCP or a WebSocket-upgrading HTTP listener, and for each
// tunnel services OPEN/DATA/CLOSE/HEARTBEAT frames against backend sockets
// on 127.0.0.1. Grounded on the teacher's share/server.go for running a
// plain TCP listener alongside an http.Server-based upgrade listener side
// by side, and share/endpoint.go for the per-accepted-connection handler
// shape.
package remoteserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/jpillora/requestlog"
	"github.com/tomasen/realip"

	"github.com/sidgwick/revtunnel/internal/frame"
	"github.com/sidgwick/revtunnel/internal/logging"
	"github.com/sidgwick/revtunnel/internal/tunnel"
	"github.com/sidgwick/revtunnel/internal/wsproto"
)

// Server accepts tunnels and runs each to completion.
type Server struct {
	log logging.Logger

	mu      sync.Mutex
	tunnels map[tunnel.Tunnel]struct{} // live tunnels, tracked so Run can drop them on shutdown
}

// New builds a Server.
func New(log logging.Logger) *Server {
	return &Server{log: log, tunnels: make(map[tunnel.Tunnel]struct{})}
}

// Run listens on bind ("tcp://host:port" or "ws://host:port") and services
// tunnels until ctx is cancelled. Cancelling ctx both stops accepting new
// tunnels and closes every tunnel already in flight, mirroring the
// teacher's HandleOnceShutdown closing every open session on server close.
func (s *Server) Run(ctx context.Context, bind string) error {
	u, err := url.Parse(bind)
	if err != nil {
		return fmt.Errorf("remoteserver: bad bind address %q: %w", bind, err)
	}

	go func() {
		<-ctx.Done()
		s.closeAllTunnels()
	}()

	switch u.Scheme {
	case "tcp":
		return s.runTCP(ctx, u.Host)
	case "ws":
		return s.runWS(ctx, u.Host)
	default:
		return fmt.Errorf("remoteserver: unsupported bind scheme %q", u.Scheme)
	}
}

func (s *Server) trackTunnel(t tunnel.Tunnel) {
	s.mu.Lock()
	s.tunnels[t] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackTunnel(t tunnel.Tunnel) {
	s.mu.Lock()
	delete(s.tunnels, t)
	s.mu.Unlock()
}

func (s *Server) closeAllTunnels() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.tunnels {
		t.Close()
	}
}

func (s *Server) runTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("remoteserver: listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Infof("tcp tunnel listener on %s", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("remoteserver: accept: %w", err)
		}
		t := tunnel.FromTCPConn(conn)
		go s.serveTunnel(t)
	}
}

func (s *Server) runWS(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.log.Debugf("tunnel dial from %s", realip.FromRequest(r))
		conn, rw, err := wsproto.ServerHandshake(w, r)
		if err != nil {
			s.log.Warnf("websocket handshake failed: %v", err)
			http.Error(w, "bad handshake", http.StatusBadRequest)
			return
		}
		t := tunnel.FromWSConn(conn, rw.Reader, conn.RemoteAddr().String())
		go s.serveTunnel(t)
	})

	handler := requestlog.Wrap(http.Handler(mux))
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.log.Infof("websocket tunnel listener on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("remoteserver: serve %s: %w", addr, err)
	}
	return nil
}

// serveTunnel is the per-tunnel event loop (§4.6): each accepted tunnel
// gets its own ConnectionTable, since ConnectionIds are only unique within
// one local side and a remote may be dialed by several local sides that
// could otherwise collide.
func (s *Server) serveTunnel(t tunnel.Tunnel) {
	log := s.log.Fork(t.PeerName())
	log.Infof("tunnel accepted")
	table := tunnel.New[net.Conn]()

	s.trackTunnel(t)
	defer func() {
		s.untrackTunnel(t)
		var stale []uint64
		table.Each(func(e *tunnel.Entry[net.Conn]) {
			stale = append(stale, e.ID)
			e.Conn.Close()
		})
		for _, id := range stale {
			table.Remove(id)
		}
		t.Close()
		log.Infof("tunnel closed %s", t.Stats())
	}()

	for {
		f, err := t.Recv()
		if err != nil {
			log.Warnf("tunnel recv failed: %v", err)
			return
		}
		switch f.Op {
		case frame.OpHeartbeat:
		case frame.OpOpen:
			s.handleOpen(t, table, log, f)
		case frame.OpData:
			s.handleData(table, log, f)
		case frame.OpClose:
			s.handleClose(table, log, f)
		default:
			log.Debugf("unexpected frame %s from local", f.Op)
		}
	}
}

// handleOpen dials the backend (§4.6) and, on success, spawns the read loop
// that turns backend bytes into DATA/CLOSE frames back to the local side.
func (s *Server) handleOpen(t tunnel.Tunnel, table *tunnel.Table[net.Conn], log logging.Logger, f *frame.Frame) {
	addr := fmt.Sprintf("127.0.0.1:%d", f.Port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Debugf("backend dial %s failed for id %d: %v", addr, f.ID, err)
		_ = t.Send(frame.Close(f.ID))
		return
	}
	table.Insert(f.ID, conn, conn)
	go s.backendReadLoop(t, table, log, f.ID, conn)
}

func (s *Server) handleData(table *tunnel.Table[net.Conn], log logging.Logger, f *frame.Frame) {
	entry, ok := table.Lookup(f.ID)
	if !ok {
		return
	}
	if _, err := entry.Conn.Write(f.Payload); err != nil {
		log.Debugf("write to backend id %d failed: %v", f.ID, err)
		entry.Conn.Close()
		table.Remove(f.ID)
	}
}

func (s *Server) handleClose(table *tunnel.Table[net.Conn], log logging.Logger, f *frame.Frame) {
	entry, ok := table.Lookup(f.ID)
	if !ok {
		return
	}
	entry.Conn.Close()
	table.Remove(f.ID)
	log.Debugf("connection %d closed and delete it now", f.ID)
}

// backendReadLoop reads backend bytes and emits DATA frames, or CLOSE on
// EOF/error (§4.6's "backend sockets are in the same readiness set").
func (s *Server) backendReadLoop(t tunnel.Tunnel, table *tunnel.Table[net.Conn], log logging.Logger, id uint64, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic in backend read loop for id %d: %v", id, r)
		}
	}()

	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := append([]byte(nil), buf[:n]...)
			if serr := t.Send(frame.Data(id, payload)); serr != nil {
				log.Debugf("data send failed for id %d: %v", id, serr)
				break
			}
		}
		if err != nil {
			_ = t.Send(frame.Close(id))
			break
		}
	}
	conn.Close()
	table.Remove(id)
	log.Debugf("connection %d closed and delete it now", id)
}
