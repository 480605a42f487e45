package session

import (
	"context"
	"strings"

	"github.com/openbeam/relayd/internal/events"
	"github.com/openbeam/relayd/internal/monitoring"
)

// handleChat runs the chat path: "C:<nick>:<msg>". Scripting may swallow the
// message; bus subscribers may suppress or rewrite it; otherwise the original
// payload goes to everyone.
func (s *Session) handleChat(ctx context.Context, data string) {
	sep := -1
	if len(data) > 2 {
		if i := strings.IndexByte(data[2:], ':'); i != -1 {
			sep = i + 2
		}
	}
	if sep == -1 {
		_ = s.SendReliable([]byte("C:Server: Invalid message."))
		return
	}
	var msg string
	if sep+2 <= len(data) {
		msg = data[sep+2:]
	}
	if msg == "" {
		s.log.Debug().Msg("Empty chat message, ignoring")
		return
	}

	for _, v := range s.deps.Bus.EmitScripted("onChatMessage", s.slotID, s.nick, msg) {
		if n, ok := toInt(v); ok && n == 1 {
			if s.deps.Cfg.LogChat {
				s.log.Info().Str("from", s.nick).Str("msg", msg).Msg("Chat dropped by script")
			}
			return
		}
	}

	if s.deps.Cfg.LogChat {
		s.log.Info().Msg(s.nick + ": " + msg)
	}

	results := s.deps.Bus.EmitBoth(ctx, "onChatReceive", map[string]any{"message": msg, "player": s})
	handled := false
	for _, v := range results {
		override, suppress, recognized := events.ParseChatReturn(v)
		if !recognized {
			s.log.Error().Interface("value", v).Msg("Chat handler returned bad data")
			continue
		}
		if suppress {
			handled = true
			continue
		}
		if override == nil {
			continue
		}
		out := []byte("C:" + override.Message)
		switch {
		case override.To != nil:
			if target, ok := override.To.(*Session); ok && target != nil {
				_ = target.SendReliable(out)
			}
		case override.ToAll:
			s.Broadcast(ctx, out, override.ToSelf, false)
		default:
			_ = s.SendReliable(out)
		}
		if s.deps.Cfg.LogChat {
			s.log.Info().Msg(override.Message)
		}
		handled = true
	}

	if !handled {
		s.Broadcast(ctx, []byte(data), true, false)
		monitoring.ChatMessages.Inc()
	}
}
