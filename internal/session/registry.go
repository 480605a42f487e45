package session

import (
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSlotExhausted reports that the slot vector has no free entry left.
var ErrSlotExhausted = errors.New("session: no free slot")

// Registry is the connected-player catalog. The slot vector is sized
// maxPlayers*4 to absorb download sockets and handshake transients; admission
// capacity is still enforced against maxPlayers.
type Registry struct {
	mu         sync.Mutex
	slots      []*Session
	byID       map[int]*Session
	byNick     map[string]*Session
	maxPlayers int
	log        zerolog.Logger

	// jitter delays insertion by a few tens of milliseconds, preserving the
	// arrival-order shuffle of the original admission path. Disabled in tests.
	jitter bool
}

func NewRegistry(maxPlayers int, log zerolog.Logger) *Registry {
	return &Registry{
		slots:      make([]*Session, maxPlayers*4),
		byID:       make(map[int]*Session),
		byNick:     make(map[string]*Session),
		maxPlayers: maxPlayers,
		log:        log.With().Str("component", "registry").Logger(),
		jitter:     true,
	}
}

func (r *Registry) MaxPlayers() int { return r.maxPlayers }

// Insert assigns the lowest free slot to s and records it under both maps.
func (r *Registry) Insert(s *Session) error {
	for attempt := 0; attempt < 8; attempt++ {
		if r.jitter {
			time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
		}
		r.mu.Lock()
		slot := -1
		for i, occupant := range r.slots {
			if occupant == nil {
				slot = i
				break
			}
		}
		if slot == -1 {
			r.mu.Unlock()
			return ErrSlotExhausted
		}
		if r.slots[slot] != nil {
			r.mu.Unlock()
			continue
		}
		r.slots[slot] = s
		s.slotID = slot
		r.byID[slot] = s
		r.byNick[s.nick] = s
		r.mu.Unlock()

		s.retagLogger()
		r.log.Debug().Str("nick", s.nick).Int("slot", slot).Msg("Inserted session")
		return nil
	}
	return ErrSlotExhausted
}

// Remove clears s from the slot vector and both maps.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.slotID >= 0 && s.slotID < len(r.slots) && r.slots[s.slotID] == s {
		r.slots[s.slotID] = nil
	}
	if r.byID[s.slotID] == s {
		delete(r.byID, s.slotID)
	}
	if r.byNick[s.nick] == s {
		delete(r.byNick, s.nick)
	}
}

// BySlot returns the live session holding slot id, or nil.
func (r *Registry) BySlot(id int) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// ByNick returns the live session with the given nickname, or nil.
func (r *Registry) ByNick(nick string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byNick[nick]
}

// Live snapshots the occupied slots in slot order. Broadcast fan-out and
// roster queries iterate this snapshot.
func (r *Registry) Live() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of admitted sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// List formats the roster as "nick" or "nick:slot" entries joined by commas.
func (r *Registry) List(withSlot bool) string {
	var parts []string
	for _, s := range r.Live() {
		if withSlot {
			parts = append(parts, s.nick+":"+strconv.Itoa(s.slotID))
		} else {
			parts = append(parts, s.nick)
		}
	}
	return strings.Join(parts, ",")
}

// Nicks returns the nicknames of all live sessions, sorted by slot.
func (r *Registry) Nicks() []string {
	live := r.Live()
	sort.Slice(live, func(i, j int) bool { return live[i].slotID < live[j].slotID })
	out := make([]string, 0, len(live))
	for _, s := range live {
		out = append(out, s.nick)
	}
	return out
}
