package session

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/openbeam/relayd/internal/monitoring"
	"github.com/openbeam/relayd/internal/protocol"
)

// SendReliable frames payload and writes it on the reliable socket. A write
// error marks the session dead and wakes teardown.
func (s *Session) SendReliable(payload []byte) error {
	if !s.alive.Load() {
		return net.ErrClosed
	}
	s.connMu.Lock()
	n, err := protocol.WriteFrame(s.conn, payload)
	s.connMu.Unlock()
	if err != nil {
		s.log.Debug().Err(err).Msg("Reliable write failed")
		s.markDead()
		return err
	}
	s.bytesOut.Add(int64(n))
	monitoring.PacketsTotal.WithLabelValues("tcp", "out").Inc()
	monitoring.BytesTotal.WithLabelValues("tcp", "out").Add(float64(n))
	return nil
}

// SendDatagram writes payload unframed to the bound datagram peer. A session
// without a bound peer silently drops the packet.
func (s *Session) SendDatagram(payload []byte) {
	s.udpMu.Lock()
	conn, addr := s.udpConn, s.udpAddr
	s.udpMu.Unlock()
	if conn == nil || addr == nil {
		return
	}
	if _, err := conn.WriteToUDP(payload, addr); err != nil {
		s.log.Debug().Err(err).Msg("Datagram write failed")
		return
	}
	s.datagramsOut.Add(1)
	s.bytesOut.Add(int64(len(payload)))
	monitoring.PacketsTotal.WithLabelValues("udp", "out").Inc()
	monitoring.BytesTotal.WithLabelValues("udp", "out").Add(float64(len(payload)))
}

// reliableOnly lists the codes that must ride the reliable channel even when
// the broadcast asked for the datagram path.
func reliableOnly(code byte) bool {
	return code == 'V' || code == 'W' || code == 'Y' || code == 'E'
}

// Broadcast delivers payload to every live session. toSelf includes the
// sender; viaUDP prefers the datagram path except for state-sync codes.
func (s *Session) Broadcast(ctx context.Context, payload []byte, toSelf, viaUDP bool) {
	if len(payload) == 0 {
		return
	}
	code := payload[0]
	recipients := 0
	for _, t := range s.deps.Registry.Live() {
		if t == s && !toSelf {
			continue
		}
		if !viaUDP || reliableOnly(code) {
			_ = t.SendReliable(payload)
		} else {
			t.SendDatagram(payload)
		}
		recipients++
	}
	monitoring.BroadcastFanout.Observe(float64(recipients))
}

// readFrameCounted wraps protocol.ReadFrame with traffic accounting.
func readFrameCounted(s *Session) ([]byte, error) {
	payload, err := protocol.ReadFrame(s.conn)
	if err != nil {
		return nil, err
	}
	s.bytesIn.Add(int64(len(payload)))
	monitoring.PacketsTotal.WithLabelValues("tcp", "in").Inc()
	monitoring.BytesTotal.WithLabelValues("tcp", "in").Add(float64(len(payload)))
	return payload, nil
}

// handleReadError maps a reliable read failure to the right exit: orderly EOF
// just dies, a hostile header gets a kick first.
func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.log.Warn().Msg("Oversized header, assuming malicious intent")
		s.Kick("Header size limit exceeded")
	case errors.Is(err, protocol.ErrMalformedHeader):
		s.Kick("Invalid packet - header negative")
	case errors.Is(err, io.EOF):
		s.log.Debug().Msg("Peer closed reliable socket")
		s.markDead()
	default:
		s.log.Debug().Err(err).Msg("Reliable read failed")
		s.markDead()
	}
}
