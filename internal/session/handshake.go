package session

import (
	"context"
	"errors"

	"github.com/openbeam/relayd/internal/config"
	"github.com/openbeam/relayd/internal/monitoring"
)

const maxKeyLen = 50

// handshake runs VERSION_CHECK through ADMIT. Returns false when the session
// was kicked; teardown is the caller's job.
func (s *Session) handshake(ctx context.Context) bool {
	s.log.Info().Str("addr", s.conn.RemoteAddr().String()).Msg("Identifying new connection")

	version, err := readFrameCounted(s)
	if err != nil {
		s.handleReadError(err)
		return false
	}
	s.log.Debug().Bytes("version", version).Msg("Version frame")
	if string(version) != "VC"+config.ClientMajorVersion {
		s.Kick("Outdated client version, please update your client.")
		return false
	}
	if err := s.SendReliable([]byte("A")); err != nil {
		return false
	}

	key, err := readFrameCounted(s)
	if err != nil {
		s.handleReadError(err)
		return false
	}
	if len(key) == 0 || len(key) > maxKeyLen {
		s.Kick("Invalid key!")
		return false
	}
	s.key = string(key)
	s.deps.Bus.EmitSync("onPlayerSentKey", map[string]any{"player": s})

	ident, err := s.deps.Auth.Lookup(ctx, s.key)
	if err != nil {
		if errors.Is(err, ErrKeyRejected) {
			s.Kick("Invalid key! Please restart your game.")
		} else {
			s.log.Error().Err(err).Msg("Identity lookup failed")
			s.Kick("Auth server failed!")
		}
		return false
	}
	s.nick = ident.Username
	s.roles = ident.Roles
	s.guest = ident.Guest
	s.identifiers = ident.Identifiers
	if s.identifiers == nil {
		s.identifiers = make(map[string]string)
	}
	if s.identifiers["ip"] == "" {
		s.identifiers["ip"] = s.RemoteIP()
	}
	s.retagLogger()
	s.log.Debug().Str("roles", s.roles).Bool("guest", s.guest).Msg("Identity resolved")

	if !s.scriptedAuthAllows() {
		return false
	}

	s.deps.Bus.EmitSync("onPlayerAuthenticated", map[string]any{"player": s})
	s.deps.Bus.EmitAsync(ctx, "onPlayerAuthenticated", map[string]any{"player": s})
	if !s.alive.Load() {
		s.Kick("Not accepted.")
		return false
	}

	// A lingering session with the same account blocks the slot maps; the old
	// one goes, the new one stays.
	for _, other := range s.deps.Registry.Live() {
		if other != s && other.nick == s.nick && other.guest == s.guest {
			other.Kick("Stale client (someone reconnected with your account)")
		}
	}

	if s.deps.Registry.Count() >= s.deps.Cfg.MaxPlayers {
		s.Kick("Server full!")
		monitoring.ConnectionsRejected.WithLabelValues("full").Inc()
		return false
	}
	if err := s.deps.Registry.Insert(s); err != nil {
		s.Kick("Server full!")
		monitoring.ConnectionsRejected.WithLabelValues("full").Inc()
		return false
	}
	monitoring.PlayersOnline.Set(float64(s.deps.Registry.Count()))
	s.log.Info().Msg("Connection identified")
	return true
}

// scriptedAuthAllows runs the onPlayerAuth scripting hook. A handler
// returning 1 rejects with the default reason; a string return rejects with
// that string as the reason.
func (s *Session) scriptedAuthAllows() bool {
	allow := true
	reason := "You are not allowed on this server."
	for _, v := range s.deps.Bus.EmitScripted("onPlayerAuth", s.nick, s.roles, s.guest, s.identifiers) {
		switch t := v.(type) {
		case int:
			if t == 1 {
				allow = false
			}
		case float64:
			if t == 1 {
				allow = false
			}
		case string:
			allow = false
			reason = t
		}
	}
	if !allow {
		s.Kick(reason)
	}
	return allow
}
