package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbeam/relayd/internal/events"
)

// TopicTick is emitted once per scheduler iteration, sync then async.
const TopicTick = "serverTick"

// Cadence topics derive from TopicTick: serverTick_0.5s, serverTick_1s, ...
var cadences = []struct {
	interval float64
	topic    string
}{
	{60, "serverTick_60s"},
	{30, "serverTick_30s"},
	{10, "serverTick_10s"},
	{5, "serverTick_5s"},
	{4, "serverTick_4s"},
	{3, "serverTick_3s"},
	{2, "serverTick_2s"},
	{1, "serverTick_1s"},
	{0.5, "serverTick_0.5s"},
}

// Scheduler drives the fixed-rate dispatch loop. Each iteration emits
// TopicTick, then sleeps the remainder of the tick interval minus a smoothed
// overshoot estimate so long-term TPS converges on the target.
type Scheduler struct {
	bus       *events.Bus
	log       zerolog.Logger
	targetTPS int

	tickCounter int

	// overshoot window: ring of the last 3*targetTPS samples.
	overshoot []float64
	overIdx   int
	overFull  bool

	// windows are read by the operator console, written by the tick loop.
	winMu   sync.Mutex
	windows [4]*tickWindow
}

type tickWindow struct {
	duration time.Duration
	stamps   []time.Time
}

func (w *tickWindow) push(now time.Time) {
	w.stamps = append(w.stamps, now)
	w.evict(now)
}

func (w *tickWindow) evict(now time.Time) {
	cut := now.Add(-w.duration)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cut) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *tickWindow) tps(now time.Time) float64 {
	w.evict(now)
	return float64(len(w.stamps)) / w.duration.Seconds()
}

func NewScheduler(bus *events.Bus, log zerolog.Logger, targetTPS int) *Scheduler {
	if targetTPS <= 0 {
		targetTPS = 60
	}
	s := &Scheduler{
		bus:       bus,
		log:       log.With().Str("component", "ticker").Logger(),
		targetTPS: targetTPS,
		overshoot: make([]float64, 3*targetTPS),
		windows: [4]*tickWindow{
			{duration: 2 * time.Second},
			{duration: 5 * time.Second},
			{duration: 30 * time.Second},
			{duration: 60 * time.Second},
		},
	}
	bus.Register(TopicTick, s.emitCadences)
	return s
}

// TargetTPS returns the configured tick rate.
func (s *Scheduler) TargetTPS() int { return s.targetTPS }

// emitCadences runs on every tick and fires the cadence topics whose
// interval divides the current counter. The counter wraps at one minute.
func (s *Scheduler) emitCadences(e *events.Event) any {
	s.tickCounter++
	for _, c := range cadences {
		period := int(c.interval * float64(s.targetTPS))
		if period > 0 && s.tickCounter%period == 0 {
			s.bus.EmitSync(c.topic, nil)
			s.bus.EmitAsync(context.Background(), c.topic, nil)
		}
	}
	if s.tickCounter == 60*s.targetTPS {
		s.tickCounter = 0
	}
	return nil
}

// Run blocks until ctx is cancelled, dispatching ticks at the target rate.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Second / time.Duration(s.targetTPS)
	s.log.Debug().Int("target_tps", s.targetTPS).Msg("Tick loop started")

	for ctx.Err() == nil {
		start := time.Now()

		s.bus.EmitSync(TopicTick, nil)
		s.bus.EmitAsync(ctx, TopicTick, nil)

		tickDuration := time.Since(start)
		sleep := interval - tickDuration - s.meanOvershoot()
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
			}
		}

		now := time.Now()
		s.winMu.Lock()
		for _, w := range s.windows {
			w.push(now)
		}
		s.winMu.Unlock()
		// Overshoot sample: how much longer the whole iteration took than
		// the sleep we planned for it.
		s.pushOvershoot(now.Sub(start) - maxDuration(sleep, 0) - tickDuration)
	}
	s.log.Debug().Msg("Tick loop stopped")
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func (s *Scheduler) pushOvershoot(d time.Duration) {
	s.overshoot[s.overIdx] = d.Seconds()
	s.overIdx++
	if s.overIdx == len(s.overshoot) {
		s.overIdx = 0
		s.overFull = true
	}
}

func (s *Scheduler) meanOvershoot() time.Duration {
	n := s.overIdx
	if s.overFull {
		n = len(s.overshoot)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += s.overshoot[i]
	}
	return time.Duration(sum / float64(n) * float64(time.Second))
}

// TPS returns the measured rate over the 2 second window.
func (s *Scheduler) TPS() float64 {
	s.winMu.Lock()
	defer s.winMu.Unlock()
	return s.windows[0].tps(time.Now())
}

// Report formats the 2s/5s/30s/60s TPS figures for the operator console.
func (s *Scheduler) Report() string {
	s.winMu.Lock()
	defer s.winMu.Unlock()
	now := time.Now()
	return fmt.Sprintf("%.2fTPS; For last 5s, 30s, 60s: %.2f, %.2f, %.2f.",
		s.windows[0].tps(now), s.windows[1].tps(now), s.windows[2].tps(now), s.windows[3].tps(now))
}
