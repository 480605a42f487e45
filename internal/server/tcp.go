package server

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/openbeam/relayd/internal/monitoring"
	"github.com/openbeam/relayd/internal/protocol"
	"github.com/openbeam/relayd/internal/session"
)

// serveTCP accepts reliable connections for the life of ctx. The first error
// (or nil once listening) goes to ready.
func (c *Core) serveTCP(ctx context.Context, ready chan<- error) {
	defer monitoring.RecoverPanic(c.log, "tcp-listener")

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		c.log.Error().Err(err).Str("addr", addr).Msg("Reliable bind failed")
		ready <- err
		return
	}
	ready <- nil
	c.log.Debug().Str("addr", addr).Msg("Reliable listener up")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Msg("Accept failed")
			continue
		}
		go c.handleConn(ctx, conn)
	}
}

// handleConn gates the peer through the rate limiter, reads the role byte,
// and dispatches. 'C' connections stay on this goroutine for their lifetime.
func (c *Core) handleConn(ctx context.Context, conn net.Conn) {
	defer monitoring.RecoverPanic(c.log, "tcp-conn")

	ip := remoteIP(conn)
	if c.limiter.IsBanned(ip) {
		if c.limiter.MarkNotified(ip) {
			_, _ = protocol.WriteFrame(conn, []byte("Eip banned."))
		}
		monitoring.ConnectionsRejected.WithLabelValues("banned").Inc()
		conn.Close()
		return
	}

	var role [1]byte
	if _, err := io.ReadFull(conn, role[:]); err != nil {
		conn.Close()
		return
	}
	c.log.Debug().Str("role", string(role[:])).Str("addr", conn.RemoteAddr().String()).
		Msg("Connection role")

	switch role[0] {
	case protocol.RoleClient:
		monitoring.ConnectionsTotal.Inc()
		s := session.New(c.deps, conn)
		s.Run(ctx)

	case protocol.RoleDownload:
		c.attachDownload(conn)

	case protocol.RolePing:
		_, _ = conn.Write([]byte{protocol.RolePing})
		conn.Close()

	default:
		c.log.Warn().Uint8("role", role[0]).Msg("Unknown role byte")
		conn.Close()
	}
}

// attachDownload binds a 'D'-role connection to the session named by the next
// byte. The session owns the socket from here; an unknown slot closes it.
func (c *Core) attachDownload(conn net.Conn) {
	var slot [1]byte
	if _, err := io.ReadFull(conn, slot[:]); err != nil {
		conn.Close()
		return
	}
	s := c.registry.BySlot(int(slot[0]))
	if s == nil {
		c.log.Debug().Int("slot", int(slot[0])).Msg("Download socket for unknown slot")
		conn.Close()
		return
	}
	s.AttachDownload(conn)
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
