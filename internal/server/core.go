package server

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbeam/relayd/internal/config"
	"github.com/openbeam/relayd/internal/events"
	"github.com/openbeam/relayd/internal/heartbeat"
	"github.com/openbeam/relayd/internal/limits"
	"github.com/openbeam/relayd/internal/mods"
	"github.com/openbeam/relayd/internal/monitoring"
	"github.com/openbeam/relayd/internal/ops"
	"github.com/openbeam/relayd/internal/session"
	"github.com/openbeam/relayd/internal/ticker"
)

const targetTPS = 60

// Core owns every long-lived component of the relay: the event bus, the tick
// scheduler, both listeners, the registry, the mod inventory, and the
// directory reporter.
type Core struct {
	cfg       *config.Config
	log       zerolog.Logger
	bus       *events.Bus
	registry  *session.Registry
	limiter   *limits.RateLimiter
	sched     *ticker.Scheduler
	inventory *mods.Inventory
	uploader  *mods.Uploader
	auth      *session.Authenticator
	reporter  *heartbeat.Reporter
	sysmon    *monitoring.SystemMonitor
	deps      *session.Deps

	startedAt time.Time
}

func NewCore(cfg *config.Config, log zerolog.Logger) *Core {
	bus := events.NewBus(log)
	c := &Core{
		cfg: cfg,
		log: log.With().Str("component", "core").Logger(),
		bus: bus,
		registry: session.NewRegistry(cfg.MaxPlayers, log),
		limiter: limits.NewRateLimiter(limits.Config{
			MaxCalls: cfg.RateMaxCalls,
			Period:   time.Duration(cfg.RatePeriod) * time.Second,
			BanTime:  time.Duration(cfg.RateBanTime) * time.Second,
			Logger:   log,
		}),
		sched:     ticker.NewScheduler(bus, log, targetTPS),
		inventory: mods.NewInventory(cfg.ModsDir, log),
		uploader:  mods.NewUploader(cfg.SpeedLimit, cfg.UseQueue, log),
		auth:      session.NewAuthenticator("", log),
		sysmon:    monitoring.NewSystemMonitor(log),
	}
	c.deps = &session.Deps{
		Cfg:      cfg,
		Bus:      bus,
		Registry: c.registry,
		Mods:     c.inventory,
		Uploader: c.uploader,
		Auth:     c.auth,
		Log:      log,
	}
	c.reporter = heartbeat.New(cfg, c.registry, c.inventory, log)
	c.registerCadences()
	return c
}

// Bus exposes the event bus for plugins and the NATS bridge.
func (c *Core) Bus() *events.Bus { return c.bus }

// Sysmon exposes the system monitor for the health endpoint.
func (c *Core) Sysmon() *monitoring.SystemMonitor { return c.sysmon }

// Registry exposes the session registry for the health endpoint.
func (c *Core) Registry() *session.Registry { return c.registry }

// registerCadences hooks the periodic work onto the tick topics. All of it
// runs on the scheduler goroutine.
func (c *Core) registerCadences() {
	ctx := context.Background()

	// The inbound pump: every tick, each session dispatches at most one
	// reliable packet and one datagram.
	c.bus.Register(ticker.TopicTick, func(e *events.Event) any {
		for _, s := range c.registry.Live() {
			s.DrainTick(ctx)
		}
		return nil
	})

	c.bus.Register("serverTick_1s", func(e *events.Event) any {
		c.checkAlive()
		c.sendOnline(ctx)
		return nil
	})
	c.bus.Register("serverTick_2s", func(e *events.Event) any {
		monitoring.TicksPerSecond.Set(c.sched.TPS())
		return nil
	})
	c.bus.Register("serverTick_30s", func(e *events.Event) any {
		c.sysmon.Sample()
		return nil
	})
	c.bus.Register("serverTick_60s", func(e *events.Event) any {
		c.limiter.Cleanup()
		return nil
	})
}

// checkAlive sweeps sessions whose transport died without reaching PLAY.
func (c *Core) checkAlive() {
	for _, s := range c.registry.Live() {
		if !s.Ready() {
			s.IsDisconnected()
			continue
		}
		if !s.Alive() {
			s.Kick("You are not alive!")
		}
	}
}

// sendOnline pushes the "Ss<n>/<max>:<roster>" line to every live session.
func (c *Core) sendOnline(ctx context.Context) {
	roster := "Ss" + strconv.Itoa(c.registry.Count()) + "/" +
		strconv.Itoa(c.cfg.MaxPlayers) + ":" + c.registry.List(false)
	for _, s := range c.registry.Live() {
		if s.Alive() {
			_ = s.SendReliable([]byte(roster))
		}
	}
}

// Run starts the listeners and the directory reporter, then drives the tick
// loop until ctx is canceled. Blocks for the life of the server.
func (c *Core) Run(ctx context.Context) error {
	c.startedAt = time.Now()

	if err := c.inventory.Scan(); err != nil {
		return err
	}

	tcpReady := make(chan error, 1)
	go c.serveTCP(ctx, tcpReady)
	if err := <-tcpReady; err != nil {
		return err
	}
	udpReady := make(chan error, 1)
	go c.serveUDP(ctx, udpReady)
	if err := <-udpReady; err != nil {
		return err
	}

	go c.reporter.Run(ctx)

	c.bus.EmitSync("onServerStarted", nil)
	c.log.Info().
		Str("host", c.cfg.Host).
		Int("port", c.cfg.Port).
		Msg("Server up")

	c.sched.Run(ctx)

	c.shutdown()
	return nil
}

// shutdown kicks everyone and reports the final uptime.
func (c *Core) shutdown() {
	for _, s := range c.registry.Live() {
		s.Kick("Server shutdown!")
	}
	c.bus.EmitSync("onServerStopped", nil)
	c.log.Info().
		Float64("uptime_min", time.Since(c.startedAt).Minutes()).
		Msg("Server stopped")
}

// RegisterCommands wires the operator console commands.
func (c *Core) RegisterCommands(cs *ops.CommandSet) {
	cs.Register("list", "List connected players", func(args []string) string {
		if c.registry.Count() == 0 {
			return "No players online."
		}
		return c.registry.List(true)
	})
	cs.Register("kick", "kick <nick>|:<slot> [reason]", c.kickCommand)
	cs.Register("tps", "Show measured tick rate", func(args []string) string {
		return c.sched.Report()
	})
	cs.Register("rl", "Rate limiter menu", func(args []string) string {
		return c.limiter.HandleCommand(args)
	})
}

func (c *Core) kickCommand(args []string) string {
	if len(args) == 0 {
		return "Usage: kick <nick>|:<slot> [reason]\nExamples:\n\tkick admin bad boy\n\tkick :0 bad boy"
	}
	reason := "kicked by console."
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	var target *session.Session
	if strings.HasPrefix(args[0], ":") {
		slot, err := strconv.Atoi(args[0][1:])
		if err != nil {
			return "Invalid slot: " + args[0]
		}
		target = c.registry.BySlot(slot)
	} else {
		target = c.registry.ByNick(args[0])
	}
	if target == nil {
		return "Player not found: " + args[0]
	}
	target.Kick(reason)
	return "Kicked " + target.Nick() + "."
}
