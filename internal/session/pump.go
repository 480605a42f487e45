package session

import (
	"context"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/openbeam/relayd/internal/protocol"
)

// hotJSON decodes position and vehicle payloads, which arrive at tick rate.
var hotJSON = jsoniter.ConfigFastest

// DrainTick processes up to one packet from each inbound queue. It runs on
// the tick scheduler goroutine for every session, which keeps all reliable
// and datagram dispatch serial across the server.
func (s *Session) DrainTick(ctx context.Context) {
	if !s.pumping.Load() || !s.alive.Load() {
		return
	}
	select {
	case pkt := <-s.tcpIn:
		s.dispatchReliable(ctx, pkt)
	default:
	}
	select {
	case pkt := <-s.udpIn:
		s.dispatchDatagram(ctx, pkt)
	default:
	}
}

func (s *Session) dispatchReliable(ctx context.Context, data []byte) {
	if len(data) == 0 {
		s.markDead()
		return
	}
	if data[0] >= protocol.CodeSyncLow && data[0] <= protocol.CodeSyncHigh {
		s.Broadcast(ctx, data, false, false)
		return
	}
	msg := string(data)
	switch data[0] {
	case protocol.CodeReady:
		s.enterPlay(ctx)
	case protocol.CodeChat:
		s.handleChat(ctx, msg)
	case protocol.CodeVehicle:
		s.handleVehicle(ctx, msg)
	case protocol.CodeEvent:
		s.handleClientEvent(ctx, msg)
	case protocol.CodeNotify:
		s.Broadcast(ctx, data, false, false)
	default:
		s.log.Debug().Str("data", msg).Msg("Unknown reliable code, ignoring")
	}
}

// enterPlay runs the PLAY-entry sequence once the client reports the map
// loaded.
func (s *Session) enterPlay(ctx context.Context) {
	s.log.Info().Float64("sync_s", time.Since(s.connectTime).Seconds()).Msg("Client synced")
	args := map[string]any{"player": s}
	s.deps.Bus.EmitSync("onPlayerJoin", args)
	s.deps.Bus.EmitAsync(ctx, "onPlayerJoin", args)

	s.Broadcast(ctx, []byte("Sn"+s.nick), true, false)
	s.Broadcast(ctx, []byte("JWelcome "+s.nick+"!"), true, false)
	s.ready.Store(true)

	// Replay every existing car so the newcomer sees the world as it is.
	for _, other := range s.deps.Registry.Live() {
		for _, pkt := range other.carPackets() {
			_ = s.SendReliable([]byte(pkt))
		}
	}
	s.synced.Store(true)
	s.deps.Bus.EmitSync("onPlayerReady", args)
	s.deps.Bus.EmitAsync(ctx, "onPlayerReady", args)
}

func (s *Session) carPackets() []string {
	s.carsMu.Lock()
	defer s.carsMu.Unlock()
	var out []string
	for _, car := range s.cars {
		if car != nil {
			out = append(out, car.Packet)
		}
	}
	return out
}

// handleClientEvent forwards "E:<name>:<data>" to the bus and scripting.
func (s *Session) handleClientEvent(ctx context.Context, msg string) {
	if len(msg) < 3 {
		s.log.Debug().Str("data", msg).Msg("Malformed client event")
		return
	}
	rest := msg[2:]
	i := strings.IndexByte(rest, ':')
	if i <= 0 {
		s.log.Debug().Str("data", msg).Msg("Malformed client event")
		return
	}
	name, payload := rest[:i], rest[i+1:]
	args := map[string]any{"data": payload, "player": s}
	s.deps.Bus.EmitSync(name, args)
	s.deps.Bus.EmitAsync(ctx, name, args)
	s.deps.Bus.EmitScripted(name, s.slotID, payload)
}

func (s *Session) dispatchDatagram(ctx context.Context, pkt []byte) {
	if len(pkt) < 3 {
		return
	}
	data := pkt[2:]
	switch data[0] {
	case protocol.DatagramPing:
		s.deps.Bus.EmitSync("onSentPing", map[string]any{"player": s})
		s.SendDatagram([]byte{protocol.DatagramPing})
	case protocol.DatagramPosition:
		s.handlePosition(ctx, data)
	case protocol.DatagramOther:
		s.Broadcast(ctx, data, false, true)
	default:
		s.log.Debug().Bytes("data", data).Msg("Unknown datagram code, ignoring")
	}
}

// handlePosition records the telemetry and fans it out to the other sessions
// over the datagram path.
func (s *Session) handlePosition(ctx context.Context, data []byte) {
	msg := string(data)
	if jstr, ok := protocol.ExtractJSON(msg); ok {
		var pos map[string]any
		if err := hotJSON.UnmarshalFromString(jstr, &pos); err == nil {
			_, carID := protocol.ParseIDPair(msg)
			s.carsMu.Lock()
			s.lastPosition = pos
			if carID >= 0 && carID < MaxCars && s.cars[carID] != nil {
				s.cars[carID].Pos = pos
			}
			s.carsMu.Unlock()
		}
	}
	s.Broadcast(ctx, data, false, true)
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
