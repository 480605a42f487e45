package server

import (
	"context"
	"net"

	"github.com/openbeam/relayd/internal/monitoring"
	"github.com/openbeam/relayd/internal/protocol"
)

// serveUDP routes datagrams to sessions by the slot byte. The peer address is
// (re)bound on every datagram so clients surviving a NAT rebind keep working.
func (c *Core) serveUDP(ctx context.Context, ready chan<- error) {
	defer monitoring.RecoverPanic(c.log, "udp-listener")

	addr := &net.UDPAddr{IP: net.ParseIP(c.cfg.Host), Port: c.cfg.Port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		c.log.Error().Err(err).Str("addr", addr.String()).Msg("Datagram bind failed")
		ready <- err
		return
	}
	ready <- nil
	c.log.Debug().Str("addr", conn.LocalAddr().String()).Msg("Datagram listener up")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Msg("Datagram read failed")
			continue
		}
		if n == 0 {
			continue
		}

		slot := protocol.SlotFromDatagram(buf[:n])
		s := c.registry.BySlot(slot)
		if s == nil {
			c.log.Debug().Int("slot", slot).Msg("Datagram for unknown slot")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		s.BindDatagram(conn, peer)
		s.EnqueueDatagram(pkt)
	}
}
