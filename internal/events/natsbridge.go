package events

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const subjectPrefix = "relay.events."

var bridgeJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Bridge republishes selected bus topics onto NATS subjects so external
// tooling (dashboards, moderation bots) can observe the server without a
// socket into the game protocol.
type Bridge struct {
	nc  *nats.Conn
	log zerolog.Logger
}

func NewBridge(url string, log zerolog.Logger) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("relayd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		nc:  nc,
		log: log.With().Str("component", "natsbridge").Logger(),
	}, nil
}

// Attach subscribes the bridge to each topic. Publishing is fire-and-forget;
// a NATS outage never blocks dispatch.
func (b *Bridge) Attach(bus *Bus, topics ...string) {
	for _, topic := range topics {
		t := topic
		bus.Register(t, func(e *Event) any {
			payload, err := bridgeJSON.Marshal(publishable(e))
			if err != nil {
				b.log.Debug().Err(err).Str("event", t).Msg("Event not serializable")
				return nil
			}
			if err := b.nc.Publish(subjectPrefix+t, payload); err != nil {
				b.log.Debug().Err(err).Str("event", t).Msg("Publish failed")
			}
			return nil
		})
	}
	b.log.Info().Int("topics", len(topics)).Msg("Event bridge attached")
}

func (b *Bridge) Close() {
	_ = b.nc.Drain()
}

// player is what a session looks like from here; the bridge flattens it to
// its public coordinates instead of serializing the whole struct.
type player interface {
	Nick() string
	SlotID() int
}

func publishable(e *Event) map[string]any {
	out := map[string]any{"event": e.Name}
	for k, v := range e.Args {
		switch t := v.(type) {
		case string, bool, int, int64, float64:
			out[k] = t
		case player:
			out[k] = map[string]any{"nick": t.Nick(), "slot": t.SlotID()}
		}
	}
	return out
}
