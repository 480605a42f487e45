package session

import (
	"context"
	"net"
	"strings"
	"time"
)

const (
	downSockPollInterval = 100 * time.Millisecond
	downSockPollTries    = 50
)

// primaryHalf adapts the reliable socket for the uploader: raw chunk writes
// serialized against framed packet writes at chunk granularity.
type primaryHalf struct{ s *Session }

func (p primaryHalf) Write(b []byte) (int, error) {
	p.s.connMu.Lock()
	defer p.s.connMu.Unlock()
	return p.s.conn.Write(b)
}

func (p primaryHalf) SetWriteDeadline(t time.Time) error {
	return p.s.conn.SetWriteDeadline(t)
}

// syncResources runs the SYNC state: announce the slot, answer the mod
// sub-loop, hand the map over on Done.
func (s *Session) syncResources(ctx context.Context) bool {
	if err := s.SendReliable([]byte("P" + itoa(s.slotID))); err != nil {
		return false
	}
	for s.alive.Load() {
		data, err := readFrameCounted(s)
		if err != nil {
			s.handleReadError(err)
			return false
		}
		msg := string(data)
		switch {
		case strings.HasPrefix(msg, "f"):
			if !s.serveMod(ctx, msg[1:]) {
				return false
			}
		case strings.HasPrefix(msg, "SR"):
			list := s.deps.Mods.WireList()
			s.log.Debug().Str("list", list).Msg("Mods list requested")
			if err := s.SendReliable([]byte(list)); err != nil {
				return false
			}
		case msg == "Done":
			if err := s.SendReliable([]byte("M/levels/" + s.deps.Cfg.Map + "/info.json")); err != nil {
				return false
			}
			return true
		}
	}
	return false
}

// serveMod streams one requested archive over both sockets.
func (s *Session) serveMod(ctx context.Context, name string) bool {
	s.log.Info().Str("mod", name).Msg("Mod requested")
	entry, ok := s.deps.Mods.Lookup(name)
	if !ok {
		_ = s.SendReliable([]byte("CO"))
		s.Kick("Not allowed mod: " + name)
		return false
	}
	if err := s.SendReliable([]byte("AG")); err != nil {
		return false
	}

	var down net.Conn
	for i := 0; i < downSockPollTries; i++ {
		if down = s.downloadConn(); down != nil {
			break
		}
		time.Sleep(downSockPollInterval)
	}
	if down == nil {
		s.Kick("Missing download socket")
		return false
	}

	err := s.deps.Uploader.Send(ctx, primaryHalf{s}, down, entry)
	_ = s.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		s.log.Error().Err(err).Str("mod", name).Msg("Mod transfer failed")
		s.markDead()
		return false
	}
	return true
}
