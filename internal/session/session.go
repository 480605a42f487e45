package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbeam/relayd/internal/config"
	"github.com/openbeam/relayd/internal/events"
	"github.com/openbeam/relayd/internal/mods"
	"github.com/openbeam/relayd/internal/monitoring"
)

// MaxCars is the per-session car vector capacity: 20 regular slots plus one
// reserved for the unicycle pedestrian prop.
const MaxCars = 21

// gracePeriod is slept before teardown so in-flight broadcasts drain.
const gracePeriod = 300 * time.Millisecond

// inboundQueueDepth bounds each per-session inbound queue. The tick pump
// drains one packet per tick per queue; a client outrunning that loses
// datagrams first.
const inboundQueueDepth = 256

// Car is one occupied entry of a session's car vector.
type Car struct {
	Packet    string         // rewritten spawn packet, replayed to late joiners
	JSON      map[string]any // parsed vehicle description
	JSONOK    bool
	Unicycle  bool
	OverSpawn bool
	Pos       map[string]any // last reported position
}

// Deps bundles the collaborators a session needs. One Deps value is shared by
// every session the listener spawns.
type Deps struct {
	Cfg      *config.Config
	Bus      *events.Bus
	Registry *Registry
	Mods     *mods.Inventory
	Uploader *mods.Uploader
	Auth     *Authenticator
	Interp   events.Interpreter // nil when scripting is disabled
	Log      zerolog.Logger
}

// Session is one connected player: the reliable socket, the lazily bound
// datagram peer, the optional download socket, and all per-player relay state.
type Session struct {
	deps *Deps
	log  zerolog.Logger

	conn   net.Conn
	connMu sync.Mutex // serializes reliable writes

	downMu   sync.Mutex
	downConn net.Conn

	udpMu   sync.Mutex
	udpConn *net.UDPConn
	udpAddr *net.UDPAddr

	slotID      int
	key         string
	nick        string
	roles       string
	guest       bool
	identifiers map[string]string

	carsMu       sync.Mutex
	cars         [MaxCars]*Car
	focusCar     int
	unicycleID   int // car slot of the live unicycle, -1 when absent
	lastPosition map[string]any

	alive   atomic.Bool
	ready   atomic.Bool
	synced  atomic.Bool
	pumping atomic.Bool // true once PLAY-phase queues are live

	connectTime time.Time

	tcpIn chan []byte
	udpIn chan []byte

	bytesIn, bytesOut         atomic.Int64
	datagramsIn, datagramsOut atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an accepted reliable connection whose role byte was 'C'. The
// session is not registered until the handshake admits it.
func New(deps *Deps, conn net.Conn) *Session {
	s := &Session{
		deps:        deps,
		log:         deps.Log.With().Str("player", "none:0").Logger(),
		conn:        conn,
		slotID:      -1,
		focusCar:    -1,
		unicycleID:  -1,
		connectTime: time.Now(),
		tcpIn:       make(chan []byte, inboundQueueDepth),
		udpIn:       make(chan []byte, inboundQueueDepth),
		done:        make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

func (s *Session) SlotID() int   { return s.slotID }
func (s *Session) Nick() string  { return s.nick }
func (s *Session) Roles() string { return s.roles }
func (s *Session) Guest() bool   { return s.guest }
func (s *Session) Alive() bool   { return s.alive.Load() }
func (s *Session) Ready() bool   { return s.ready.Load() }
func (s *Session) Synced() bool  { return s.synced.Load() }

// Identifier returns one identity-service label such as "ip".
func (s *Session) Identifier(label string) string { return s.identifiers[label] }

// RemoteIP is the peer address of the reliable socket.
func (s *Session) RemoteIP() string {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return s.conn.RemoteAddr().String()
	}
	return host
}

func (s *Session) retagLogger() {
	s.log = s.deps.Log.With().Str("player", s.nick+":"+itoa(s.slotID)).Logger()
}

// Kick notifies the client and marks the session dead. Safe to call from any
// state; a dead session ignores it.
func (s *Session) Kick(reason string) {
	if !s.alive.Load() {
		s.log.Debug().Str("reason", reason).Msg("Kick skipped, session not alive")
		return
	}
	s.log.Info().Str("reason", reason).Msg("Kicking client")
	monitoring.KicksTotal.WithLabelValues(reason).Inc()
	_ = s.SendReliable([]byte("K" + reason))
	s.markDead()
}

// markDead flips alive and wakes Run so teardown proceeds.
func (s *Session) markDead() {
	s.alive.Store(false)
	s.closeOnce.Do(func() { close(s.done) })
}

// AttachDownload binds the secondary 'D'-role connection.
func (s *Session) AttachDownload(conn net.Conn) {
	s.downMu.Lock()
	s.downConn = conn
	s.downMu.Unlock()
	s.log.Debug().Msg("Download socket attached")
}

func (s *Session) downloadConn() net.Conn {
	s.downMu.Lock()
	defer s.downMu.Unlock()
	return s.downConn
}

// BindDatagram records (or refreshes) the datagram return path for this slot.
func (s *Session) BindDatagram(conn *net.UDPConn, addr *net.UDPAddr) {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	if s.udpConn == conn && s.udpAddr != nil && s.udpAddr.String() == addr.String() {
		return
	}
	s.udpConn = conn
	s.udpAddr = addr
	s.log.Debug().Str("addr", addr.String()).Msg("Datagram peer bound")
}

// EnqueueDatagram queues an inbound datagram for the tick pump. Overflow
// drops the packet; position updates are superseded by the next one anyway.
func (s *Session) EnqueueDatagram(pkt []byte) {
	if !s.alive.Load() {
		s.log.Debug().Msg("Datagram from dead session")
		return
	}
	s.datagramsIn.Add(1)
	s.bytesIn.Add(int64(len(pkt)))
	monitoring.PacketsTotal.WithLabelValues("udp", "in").Inc()
	monitoring.BytesTotal.WithLabelValues("udp", "in").Add(float64(len(pkt)))
	select {
	case s.udpIn <- pkt:
	default:
	}
}

// Run drives the session from VERSION_CHECK through PLAY and blocks until the
// session dies. The caller owns the connection until Run returns.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown(ctx)

	if !s.handshake(ctx) {
		return
	}
	if !s.syncResources(ctx) {
		return
	}

	s.pumping.Store(true)
	go s.readLoop()

	select {
	case <-ctx.Done():
		s.Kick("Server shutdown!")
	case <-s.done:
	}
}

// readLoop moves reliable frames into the inbound queue. Runs on its own
// goroutine; dispatch stays on the tick pump.
func (s *Session) readLoop() {
	defer monitoring.RecoverPanic(s.log, "session-read")
	for s.alive.Load() {
		payload, err := readFrameCounted(s)
		if err != nil {
			s.handleReadError(err)
			return
		}
		select {
		case s.tcpIn <- payload:
		case <-s.done:
			return
		}
	}
}

// IsDisconnected reports (and records) whether the transport is gone. Called
// from the alive-check cadence for sessions that never reached PLAY.
func (s *Session) IsDisconnected() bool {
	if !s.alive.Load() {
		return true
	}
	return false
}

// OnlineFor is the session age, used by console listings and the exit log.
func (s *Session) OnlineFor() time.Duration { return time.Since(s.connectTime) }

// teardown runs the CLOSED-state sequence exactly once per session.
func (s *Session) teardown(ctx context.Context) {
	s.markDead()
	time.Sleep(gracePeriod)

	if s.slotID >= 0 {
		// Departure announcements are skipped when the account already
		// reconnected; the replacement session owns the nick by now.
		if s.deps.Registry.ByNick(s.nick) == s {
			s.carsMu.Lock()
			owned := make([]int, 0, MaxCars)
			for i, car := range s.cars {
				if car != nil {
					owned = append(owned, i)
				}
			}
			s.carsMu.Unlock()
			for _, i := range owned {
				s.log.Debug().Int("car_id", i).Msg("Removing car")
				s.Broadcast(ctx, []byte("Od:"+itoa(s.slotID)+"-"+itoa(i)), false, false)
			}
			if s.ready.Load() {
				s.Broadcast(ctx, []byte("J"+s.nick+" disconnected!"), false, false)
			}
		}
		// Remove is identity-safe per entry, so the replacement session's
		// byNick record survives while this session's slot is freed.
		s.deps.Registry.Remove(s)
		monitoring.PlayersOnline.Set(float64(s.deps.Registry.Count()))
		s.log.Info().
			Float64("online_min", s.OnlineFor().Minutes()).
			Msg("Disconnected")
		s.deps.Bus.EmitSync("onPlayerDisconnect", map[string]any{"player": s})
	} else {
		s.log.Debug().Msg("Closing unadmitted connection")
	}

	if err := s.conn.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Error closing reliable socket")
	}
	if dc := s.downloadConn(); dc != nil {
		if err := dc.Close(); err != nil {
			s.log.Debug().Err(err).Msg("Error closing download socket")
		}
	}
}

func itoa(v int) string { return strconv.Itoa(v) }
