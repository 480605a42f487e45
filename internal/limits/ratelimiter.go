package limits

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimiter gates new reliable-channel accepts per source address with a
// sliding window and a temporary ban. It is the first line of defense on the
// accept path; a banned peer gets one "Eip banned." frame and is closed.
type RateLimiter struct {
	mu          sync.Mutex
	maxCalls    int
	period      time.Duration
	banTime     time.Duration
	calls       map[string][]time.Time
	bannedUntil map[string]time.Time
	notified    map[string]bool
	log         zerolog.Logger
	now         func() time.Time
}

// Config holds the admission window tuning. Zero values fall back to the
// defaults: 50 accepts per 10 s, 300 s ban.
type Config struct {
	MaxCalls int
	Period   time.Duration
	BanTime  time.Duration
	Logger   zerolog.Logger
}

func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.MaxCalls == 0 {
		cfg.MaxCalls = 50
	}
	if cfg.Period == 0 {
		cfg.Period = 10 * time.Second
	}
	if cfg.BanTime == 0 {
		cfg.BanTime = 300 * time.Second
	}
	return &RateLimiter{
		maxCalls:    cfg.MaxCalls,
		period:      cfg.Period,
		banTime:     cfg.BanTime,
		calls:       make(map[string][]time.Time),
		bannedUntil: make(map[string]time.Time),
		notified:    make(map[string]bool),
		log:         cfg.Logger.With().Str("component", "ratelimiter").Logger(),
		now:         time.Now,
	}
}

// IsBanned records an admission attempt from ip and reports whether it must
// be refused. Crossing the window limit starts the ban and clears the window.
func (rl *RateLimiter) IsBanned(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.bannedUntil[ip]) {
		return true
	}

	window := append(rl.calls[ip], now)
	cut := now.Add(-rl.period)
	i := 0
	for i < len(window) && window[i].Before(cut) {
		i++
	}
	window = window[i:]

	if len(window) > rl.maxCalls {
		rl.bannedUntil[ip] = now.Add(rl.banTime)
		rl.calls[ip] = nil
		rl.log.Warn().Str("ip", ip).Time("until", rl.bannedUntil[ip]).Msg("Address banned")
		return true
	}

	rl.calls[ip] = window
	rl.notified[ip] = false
	return false
}

// MarkNotified flips the one-shot rejection flag for ip. Returns true when
// the caller should send the rejection frame; repeated connections during the
// same ban return false so the log is not spammed.
func (rl *RateLimiter) MarkNotified(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.notified[ip] {
		return false
	}
	rl.notified[ip] = true
	return true
}

// Ban force-bans ip for the given duration (operator command).
func (rl *RateLimiter) Ban(ip string, d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.bannedUntil[ip] = rl.now().Add(d)
	rl.calls[ip] = nil
	rl.log.Info().Str("ip", ip).Dur("duration", d).Msg("Address banned by operator")
}

// Unban lifts an active ban (operator command).
func (rl *RateLimiter) Unban(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.bannedUntil, ip)
	delete(rl.notified, ip)
	rl.log.Info().Str("ip", ip).Msg("Address unbanned by operator")
}

// Info lists currently banned addresses and window occupancy.
func (rl *RateLimiter) Info() string {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	var banned []string
	for ip, until := range rl.bannedUntil {
		if now.Before(until) {
			banned = append(banned, fmt.Sprintf("%s until %s", ip, until.Format(time.RFC3339)))
		}
	}
	sort.Strings(banned)
	if len(banned) == 0 {
		return fmt.Sprintf("No banned addresses. Window: %d calls / %s, ban %s.",
			rl.maxCalls, rl.period, rl.banTime)
	}
	return "Banned: " + strings.Join(banned, ", ")
}

// HandleCommand implements the operator "rl" command:
// rl info | ban <ip> <sec> | unban <ip> | help.
func (rl *RateLimiter) HandleCommand(args []string) string {
	const usage = "Usage: rl info | rl ban <ip> <sec> | rl unban <ip> | rl help"
	if len(args) == 0 {
		return usage
	}
	switch args[0] {
	case "info":
		return rl.Info()
	case "ban":
		if len(args) < 3 {
			return usage
		}
		sec, err := strconv.Atoi(args[2])
		if err != nil || sec <= 0 {
			return "Invalid ban duration: " + args[2]
		}
		rl.Ban(args[1], time.Duration(sec)*time.Second)
		return fmt.Sprintf("Banned %s for %ds.", args[1], sec)
	case "unban":
		if len(args) < 2 {
			return usage
		}
		rl.Unban(args[1])
		return "Unbanned " + args[1] + "."
	case "help":
		return usage
	}
	return usage
}

// Cleanup drops stale window entries and expired bans. Hooked to a slow
// cadence tick so idle addresses do not accumulate.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cut := now.Add(-rl.period)
	for ip, window := range rl.calls {
		i := 0
		for i < len(window) && window[i].Before(cut) {
			i++
		}
		if i == len(window) {
			delete(rl.calls, ip)
			continue
		}
		rl.calls[ip] = window[i:]
	}
	for ip, until := range rl.bannedUntil {
		if !now.Before(until) {
			delete(rl.bannedUntil, ip)
			delete(rl.notified, ip)
		}
	}
}
