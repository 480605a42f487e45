package events

import (
	"context"
	"reflect"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Handler runs on the dispatch goroutine and may return a value the emitter
// interprets (chat overrides, spawn vetoes). A nil return means "no opinion".
type Handler func(e *Event) any

// AsyncHandler is the cooperative variant: it receives a context and may
// suspend on I/O. Async handlers of one topic never run concurrently with
// each other; dispatch awaits each in registration order.
type AsyncHandler func(ctx context.Context, e *Event) any

// Interpreter is the scripting bridge contract. The bus resolves registered
// handler names in the interpreter's global table at dispatch time.
type Interpreter interface {
	// Global resolves a function by name. ok is false when the name is not
	// bound, in which case the entry is skipped with a warning.
	Global(name string) (func(args ...any) (any, error), bool)
}

type subscription struct {
	id    uint64
	fn    Handler
	afn   AsyncHandler
	ident uintptr
}

type scripted struct {
	handlerName string
	interp      Interpreter
}

type topic struct {
	sync     []subscription
	async    []subscription
	scripted []scripted
}

// Bus routes named events to in-process subscribers. Dispatch happens on the
// caller's goroutine; subscription lists are snapshotted before each dispatch
// so handlers may register or unregister mid-batch.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64
	log    zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		log:    log.With().Str("component", "events").Logger(),
	}
}

func (b *Bus) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

// Register adds a synchronous subscriber and returns its subscription id.
func (b *Bus) Register(name string, fn Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	t := b.topicLocked(name)
	t.sync = append(t.sync, subscription{id: b.nextID, fn: fn, ident: reflect.ValueOf(fn).Pointer()})
	b.log.Debug().Str("event", name).Uint64("id", b.nextID).Msg("Registered sync handler")
	return b.nextID
}

// RegisterAsync adds a cooperative subscriber and returns its subscription id.
func (b *Bus) RegisterAsync(name string, fn AsyncHandler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	t := b.topicLocked(name)
	t.async = append(t.async, subscription{id: b.nextID, afn: fn, ident: reflect.ValueOf(fn).Pointer()})
	b.log.Debug().Str("event", name).Uint64("id", b.nextID).Msg("Registered async handler")
	return b.nextID
}

// RegisterScripted binds a named interpreter function to a topic. The name is
// resolved at each dispatch so scripts may redefine handlers live.
func (b *Bus) RegisterScripted(name, handlerName string, interp Interpreter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicLocked(name)
	t.scripted = append(t.scripted, scripted{handlerName: handlerName, interp: interp})
	b.log.Debug().Str("event", name).Str("handler", handlerName).Msg("Registered scripted handler")
}

// Unregister removes the subscription with the given id from every topic.
func (b *Bus) Unregister(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		t.sync = removeBy(t.sync, func(s subscription) bool { return s.id == id })
		t.async = removeBy(t.async, func(s subscription) bool { return s.id == id })
	}
}

// UnregisterFunc removes every subscription whose handler is fn, across all
// topics. fn must be the same function value passed to Register/RegisterAsync.
func (b *Bus) UnregisterFunc(fn any) {
	ident := reflect.ValueOf(fn).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		t.sync = removeBy(t.sync, func(s subscription) bool { return s.ident == ident })
		t.async = removeBy(t.async, func(s subscription) bool { return s.ident == ident })
	}
}

func removeBy(subs []subscription, drop func(subscription) bool) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if !drop(s) {
			out = append(out, s)
		}
	}
	return out
}

// EmitSync invokes the synchronous subscribers of name in registration order
// and collects their returns. A failing subscriber is logged and skipped;
// its siblings still run.
func (b *Bus) EmitSync(name string, args map[string]any) []any {
	e := &Event{Name: name, Args: args}
	subs := b.snapshotSync(name)
	results := make([]any, 0, len(subs))
	for _, s := range subs {
		if v, ok := b.callSync(name, s, e); ok {
			results = append(results, v)
		}
	}
	return results
}

// EmitAsync invokes the cooperative subscribers sequentially, awaiting each
// before the next starts. Serial order is required: handlers may depend on
// each other's mutations.
func (b *Bus) EmitAsync(ctx context.Context, name string, args map[string]any) []any {
	e := &Event{Name: name, Args: args}
	subs := b.snapshotAsync(name)
	results := make([]any, 0, len(subs))
	for _, s := range subs {
		if v, ok := b.callAsync(ctx, name, s, e); ok {
			results = append(results, v)
		}
	}
	return results
}

// EmitBoth dispatches async subscribers first, then sync, and concatenates
// the returns in that order.
func (b *Bus) EmitBoth(ctx context.Context, name string, args map[string]any) []any {
	out := b.EmitAsync(ctx, name, args)
	return append(out, b.EmitSync(name, args)...)
}

// EmitScripted invokes each registered scripted handler by resolving its name
// in the interpreter's global table. Missing handlers are warned and skipped.
func (b *Bus) EmitScripted(name string, args ...any) []any {
	b.mu.Lock()
	t, ok := b.topics[name]
	var entries []scripted
	if ok {
		entries = append(entries, t.scripted...)
	}
	b.mu.Unlock()

	results := make([]any, 0, len(entries))
	for _, s := range entries {
		fn, ok := s.interp.Global(s.handlerName)
		if !ok {
			b.log.Warn().Str("event", name).Str("handler", s.handlerName).
				Msg("Scripted handler not found, skipping")
			continue
		}
		v, err := fn(args...)
		if err != nil {
			b.log.Error().Err(err).Str("event", name).Str("handler", s.handlerName).
				Msg("Scripted handler failed")
			continue
		}
		results = append(results, v)
	}
	return results
}

func (b *Bus) snapshotSync(name string) []subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	return append([]subscription(nil), t.sync...)
}

func (b *Bus) snapshotAsync(name string) []subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	return append([]subscription(nil), t.async...)
}

func (b *Bus) callSync(name string, s subscription, e *Event) (v any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", name).Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Handler panicked, continuing with remaining handlers")
			ok = false
		}
	}()
	return s.fn(e), true
}

func (b *Bus) callAsync(ctx context.Context, name string, s subscription, e *Event) (v any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", name).Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Async handler panicked, continuing with remaining handlers")
			ok = false
		}
	}()
	return s.afn(ctx, e), true
}
