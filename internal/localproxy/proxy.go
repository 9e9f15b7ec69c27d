// Package localproxy implements the local-side proxy listener (spec §4.4):
// one instance per configured service, accepting app-client sockets and
// piping their bytes over the tunnel keyed by ConnectionId. Grounded on the
// teacher's share/proxy.go (accept loop + per-connection goroutine shape),
// generalized from chisel's SSH-channel-per-remote model to this protocol's
// OPEN/DATA/CLOSE frames.
package localproxy

import (
	"context"
	"fmt"
	"net"

	"github.com/sidgwick/revtunnel/internal/connid"
	"github.com/sidgwick/revtunnel/internal/frame"
	"github.com/sidgwick/revtunnel/internal/logging"
	"github.com/sidgwick/revtunnel/internal/tunnel"
)

// Router is the one collaborator a Proxy needs from the local server:
// resolving the currently-active tunnel for a configured remote name.
// Injected explicitly at construction instead of a captured global server
// reference (spec REDESIGN FLAGS) — this also makes reconnects transparent,
// since Router.TunnelFor is re-queried on every send rather than cached.
type Router interface {
	TunnelFor(remoteName string) (tunnel.Tunnel, bool)
}

// Proxy is one configured service (spec §4.4): a listen port paired with
// the remote port/tunnel name it forwards to.
type Proxy struct {
	ListenPort uint16
	RemotePort uint16
	RemoteName string

	router Router
	table  *tunnel.Table[*Proxy] // the local side's single shared ConnectionTable
	log    logging.Logger
}

// New builds a Proxy. table is the local side's shared ConnectionTable,
// owned by the local server and injected here so every Proxy and the
// server's tunnel-dispatch loop operate on the same id space.
func New(listenPort, remotePort uint16, remoteName string, router Router, table *tunnel.Table[*Proxy], log logging.Logger) *Proxy {
	return &Proxy{
		ListenPort: listenPort,
		RemotePort: remotePort,
		RemoteName: remoteName,
		router:     router,
		table:      table,
		log:        log.Fork(fmt.Sprintf("proxy:%d", listenPort)),
	}
}

// Run listens on 0.0.0.0:ListenPort and accepts app-client connections until
// ctx is done.
func (p *Proxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", p.ListenPort))
	if err != nil {
		return fmt.Errorf("localproxy: listen :%d: %w", p.ListenPort, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("localproxy:%d: accept: %w", p.ListenPort, err)
		}
		go p.handleClient(conn)
	}
}

// handleClient implements §4.4 steps 1-3: register the id, emit OPEN, then
// pipe app-client reads to DATA/CLOSE frames on the current tunnel. Errors
// here are local to this id and never tear down the tunnel.
func (p *Proxy) handleClient(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("panic handling client %s: %v", conn.RemoteAddr(), r)
		}
	}()

	id, err := connid.FromAddr(conn.RemoteAddr())
	if err != nil {
		p.log.Warnf("cannot compute connection id for %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	t, ok := p.router.TunnelFor(p.RemoteName)
	if !ok {
		p.log.Debugf("no active tunnel for remote %q; closing id %d fast", p.RemoteName, id)
		conn.Close()
		return
	}

	p.table.Insert(id, conn, p)
	defer p.table.Remove(id)

	if err := t.Send(frame.Open(id, p.RemotePort)); err != nil {
		p.log.Debugf("open send failed for id %d: %v", id, err)
		conn.Close()
		return
	}

	buf := make([]byte, 1024)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			if st, ok := p.router.TunnelFor(p.RemoteName); ok {
				payload := append([]byte(nil), buf[:n]...)
				if serr := st.Send(frame.Data(id, payload)); serr != nil {
					p.log.Debugf("data send failed for id %d: %v", id, serr)
					break
				}
			} else {
				break
			}
		}
		if rerr != nil {
			if st, ok := p.router.TunnelFor(p.RemoteName); ok {
				_ = st.Send(frame.Close(id))
			}
			break
		}
	}
	conn.Close()
	p.log.Debugf("connection %d closed and delete it now", id)
}

// Deliver applies a DATA or CLOSE frame addressed to entry, as looked up by
// the local server's per-tunnel dispatch loop. HEARTBEAT and OPEN never
// reach here (the local side never receives OPEN).
func (p *Proxy) Deliver(f *frame.Frame, entry *tunnel.Entry[*Proxy]) {
	switch f.Op {
	case frame.OpData:
		if _, err := entry.Conn.Write(f.Payload); err != nil {
			p.log.Debugf("write to app-client id %d failed: %v", entry.ID, err)
			entry.Conn.Close()
			p.table.Remove(entry.ID)
		}
	case frame.OpClose:
		entry.Conn.Close()
		p.table.Remove(entry.ID)
		p.log.Debugf("connection %d closed and delete it now", entry.ID)
	}
}
