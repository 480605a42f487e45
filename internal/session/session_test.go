package session

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbeam/relayd/internal/config"
	"github.com/openbeam/relayd/internal/events"
	"github.com/openbeam/relayd/internal/mods"
	"github.com/openbeam/relayd/internal/protocol"
)

func testDeps(t *testing.T) *Deps {
	t.Helper()
	log := zerolog.Nop()
	cfg := &config.Config{
		MaxPlayers:    8,
		MaxCars:       1,
		Map:           "gridmap_v2",
		AllowUnicycle: true,
	}
	reg := NewRegistry(cfg.MaxPlayers, log)
	reg.jitter = false
	return &Deps{
		Cfg:      cfg,
		Bus:      events.NewBus(log),
		Registry: reg,
		Mods:     mods.NewInventory(t.TempDir(), log),
		Uploader: mods.NewUploader(0, false, log),
		Auth:     NewAuthenticator("", log),
		Log:      log,
	}
}

// newTestSession wires a session over a synchronous pipe and pumps the peer
// side into a frame channel.
func newTestSession(t *testing.T, deps *Deps, nick string) (*Session, <-chan []byte) {
	t.Helper()
	server, client := net.Pipe()
	s := New(deps, server)
	s.nick = nick
	frames := make(chan []byte, 64)
	go func() {
		for {
			p, err := protocol.ReadFrame(client)
			if err != nil {
				close(frames)
				return
			}
			frames <- p
		}
	}()
	if err := deps.Registry.Insert(s); err != nil {
		t.Fatalf("Insert(%s): %v", nick, err)
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return s, frames
}

func recvFrame(t *testing.T, frames <-chan []byte) string {
	t.Helper()
	select {
	case p, ok := <-frames:
		if !ok {
			t.Fatal("frame stream closed")
		}
		return string(p)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return ""
}

func expectNoFrame(t *testing.T, frames <-chan []byte) {
	t.Helper()
	select {
	case p := <-frames:
		t.Fatalf("unexpected frame %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistrySlotReuse(t *testing.T) {
	deps := testDeps(t)
	a, _ := newTestSession(t, deps, "a")
	b, _ := newTestSession(t, deps, "b")
	c, _ := newTestSession(t, deps, "c")
	if a.SlotID() != 0 || b.SlotID() != 1 || c.SlotID() != 2 {
		t.Fatalf("slots = %d,%d,%d, want 0,1,2", a.SlotID(), b.SlotID(), c.SlotID())
	}

	deps.Registry.Remove(b)
	d, _ := newTestSession(t, deps, "d")
	if d.SlotID() != 1 {
		t.Fatalf("reused slot = %d, want 1", d.SlotID())
	}
	if got := deps.Registry.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	if deps.Registry.ByNick("d") != d || deps.Registry.BySlot(1) != d {
		t.Fatal("maps not updated after reuse")
	}
}

func TestRegistryList(t *testing.T) {
	deps := testDeps(t)
	newTestSession(t, deps, "a")
	newTestSession(t, deps, "b")
	if got := deps.Registry.List(false); got != "a,b" {
		t.Fatalf("List(false) = %q", got)
	}
	if got := deps.Registry.List(true); got != "a:0,b:1" {
		t.Fatalf("List(true) = %q", got)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	deps := testDeps(t)
	a, aFrames := newTestSession(t, deps, "a")
	_, bFrames := newTestSession(t, deps, "b")

	a.dispatchReliable(context.Background(), []byte("Vstate"))
	if got := recvFrame(t, bFrames); got != "Vstate" {
		t.Fatalf("b received %q", got)
	}
	expectNoFrame(t, aFrames)
}

func TestSpawnRejectedOverCarLimit(t *testing.T) {
	deps := testDeps(t)
	s, frames := newTestSession(t, deps, "alice")
	ctx := context.Background()

	s.handleVehicle(ctx, `Os:0:{"jbm":"etk800"}`)
	first := recvFrame(t, frames)
	if !strings.HasPrefix(first, "Os:") || !strings.Contains(first, ":alice:0-0:") {
		t.Fatalf("accepted spawn frame = %q", first)
	}

	s.handleVehicle(ctx, `Os:0:{"jbm":"pickup"}`)
	if got := recvFrame(t, frames); !strings.Contains(got, ":alice:0-1:") {
		t.Fatalf("rejected spawn echo = %q", got)
	}
	if got := recvFrame(t, frames); got != "Od:0-1" {
		t.Fatalf("rejection follow-up = %q, want Od:0-1", got)
	}
	if s.CarCount() != 1 {
		t.Fatalf("CarCount() = %d, want 1", s.CarCount())
	}
}

func TestUnicycleReplacement(t *testing.T) {
	deps := testDeps(t)
	s, frames := newTestSession(t, deps, "alice")
	ctx := context.Background()

	s.handleVehicle(ctx, `Os:0:{"jbm":"unicycle"}`)
	if got := recvFrame(t, frames); !strings.Contains(got, ":alice:0-0:") {
		t.Fatalf("first unicycle frame = %q", got)
	}

	// Second unicycle replaces the first: removal broadcast, then new spawn.
	s.handleVehicle(ctx, `Os:0:{"jbm":"unicycle"}`)
	if got := recvFrame(t, frames); got != "Od:0-0" {
		t.Fatalf("replacement removal = %q, want Od:0-0", got)
	}
	if got := recvFrame(t, frames); !strings.Contains(got, ":alice:0-1:") {
		t.Fatalf("replacement spawn = %q", got)
	}
	if s.CarCount() != 1 {
		t.Fatalf("CarCount() = %d, want 1", s.CarCount())
	}
	if s.carAt(0) != nil || s.carAt(1) == nil {
		t.Fatal("old unicycle slot not cleared")
	}
}

func TestDeleteCarOwnershipAndBroadcast(t *testing.T) {
	deps := testDeps(t)
	s, frames := newTestSession(t, deps, "alice")
	ctx := context.Background()

	s.handleVehicle(ctx, `Os:0:{"jbm":"etk800"}`)
	recvFrame(t, frames)

	// Wrong owner id is ignored.
	s.handleVehicle(ctx, "Od:5:3-0:x")
	expectNoFrame(t, frames)
	if s.carAt(0) == nil {
		t.Fatal("car deleted by non-owner")
	}

	s.handleVehicle(ctx, "Od:5:0-0:x")
	if got := recvFrame(t, frames); got != "Od:5:0-0:x" {
		t.Fatalf("delete broadcast = %q", got)
	}
	if got := recvFrame(t, frames); got != "Od:0-0" {
		t.Fatalf("delete follow-up = %q", got)
	}
	if s.carAt(0) != nil {
		t.Fatal("car still present after delete")
	}
}

func TestChatDefaultBroadcast(t *testing.T) {
	deps := testDeps(t)
	s, frames := newTestSession(t, deps, "alice")
	_, bFrames := newTestSession(t, deps, "bob")

	s.handleChat(context.Background(), "C:alice: hi")
	if got := recvFrame(t, frames); got != "C:alice: hi" {
		t.Fatalf("self copy = %q", got)
	}
	if got := recvFrame(t, bFrames); got != "C:alice: hi" {
		t.Fatalf("peer copy = %q", got)
	}
}

func TestChatSuppressedByHandler(t *testing.T) {
	deps := testDeps(t)
	deps.Bus.Register("onChatReceive", func(e *events.Event) any { return 0 })
	s, frames := newTestSession(t, deps, "alice")

	s.handleChat(context.Background(), "C:alice: hi")
	expectNoFrame(t, frames)
}

func TestChatOverrideRetargets(t *testing.T) {
	deps := testDeps(t)
	deps.Bus.Register("onChatReceive", func(e *events.Event) any {
		return map[string]any{"message": "Server: filtered", "to_self": false}
	})
	s, frames := newTestSession(t, deps, "alice")
	_, bFrames := newTestSession(t, deps, "bob")

	s.handleChat(context.Background(), "C:alice: hi")
	if got := recvFrame(t, bFrames); got != "C:Server: filtered" {
		t.Fatalf("override frame = %q", got)
	}
	expectNoFrame(t, frames)
}

func TestChatInvalidMessage(t *testing.T) {
	deps := testDeps(t)
	s, frames := newTestSession(t, deps, "alice")

	s.handleChat(context.Background(), "Cnoseparator")
	if got := recvFrame(t, frames); got != "C:Server: Invalid message." {
		t.Fatalf("reply = %q", got)
	}
}

func TestPositionUpdateStoresTelemetry(t *testing.T) {
	deps := testDeps(t)
	s, _ := newTestSession(t, deps, "alice")
	_, bFrames := newTestSession(t, deps, "bob")
	ctx := context.Background()

	s.handleVehicle(ctx, `Os:0:{"jbm":"etk800"}`)
	recvFrame(t, bFrames) // drain the spawn fan-out

	pkt := append([]byte{byte(s.SlotID() + 1), ':'}, []byte(`Zp:0-0:{"x":4.5}`)...)
	s.dispatchDatagram(ctx, pkt)

	car := s.carAt(0)
	if car == nil || car.Pos == nil {
		t.Fatal("position not recorded on car")
	}
	if x, ok := car.Pos["x"].(float64); !ok || x != 4.5 {
		t.Fatalf("car pos = %v", car.Pos)
	}
	s.carsMu.Lock()
	last := s.lastPosition
	s.carsMu.Unlock()
	if last == nil {
		t.Fatal("last_position not recorded")
	}
	// Position fan-out prefers the datagram path; bob has no bound peer, so
	// nothing must arrive on his reliable socket.
	expectNoFrame(t, bFrames)
}

func TestHandshakeAdmitsPlayer(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("key") != "secret" {
			w.Write([]byte(`{"error":"bad key"}`))
			return
		}
		w.Write([]byte(`{"username":"alice","roles":"USER","guest":false,"identifiers":["beammp:1234"]}`))
	}))
	defer auth.Close()

	deps := testDeps(t)
	deps.Auth = NewAuthenticator(auth.URL, zerolog.Nop())

	server, client := net.Pipe()
	defer client.Close()
	s := New(deps, server)

	done := make(chan bool, 1)
	go func() { done <- s.handshake(context.Background()) }()

	protocol.WriteFrame(client, []byte("VC"+config.ClientMajorVersion))
	if p, _ := protocol.ReadFrame(client); string(p) != "A" {
		t.Fatalf("version ack = %q", p)
	}
	protocol.WriteFrame(client, []byte("secret"))

	if !<-done {
		t.Fatal("handshake rejected a valid client")
	}
	if s.Nick() != "alice" || s.SlotID() != 0 {
		t.Fatalf("admitted as %s:%d", s.Nick(), s.SlotID())
	}
	if s.Identifier("beammp") != "1234" {
		t.Fatalf("identifiers = %v", s.identifiers)
	}
	if s.Identifier("ip") == "" {
		t.Fatal("ip identifier not injected")
	}
	if deps.Registry.ByNick("alice") != s {
		t.Fatal("not registered")
	}
}

func TestHandshakeRejectsOutdatedVersion(t *testing.T) {
	deps := testDeps(t)
	server, client := net.Pipe()
	defer client.Close()
	s := New(deps, server)

	done := make(chan bool, 1)
	go func() { done <- s.handshake(context.Background()) }()

	protocol.WriteFrame(client, []byte("VC1.9"))
	if p, _ := protocol.ReadFrame(client); len(p) == 0 || p[0] != 'K' {
		t.Fatalf("expected kick frame, got %q", p)
	}
	if <-done {
		t.Fatal("handshake accepted an outdated client")
	}
}

// newTestSessionRaw registers a session but leaves the peer side of the pipe
// to the test, for handshake/sync flows that speak both directions.
func newTestSessionRaw(t *testing.T, deps *Deps, nick string) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := New(deps, server)
	s.nick = nick
	if err := deps.Registry.Insert(s); err != nil {
		t.Fatalf("Insert(%s): %v", nick, err)
	}
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return s, client
}

func TestSyncLoopListsAndFinishes(t *testing.T) {
	deps := testDeps(t)
	s, client := newTestSessionRaw(t, deps, "alice")

	done := make(chan bool, 1)
	go func() { done <- s.syncResources(context.Background()) }()
	if p, _ := protocol.ReadFrame(client); string(p) != "P0" {
		t.Fatalf("slot announce = %q", p)
	}
	protocol.WriteFrame(client, []byte("SR"))
	if p, _ := protocol.ReadFrame(client); string(p) != "-" {
		t.Fatalf("empty mod list = %q", p)
	}
	protocol.WriteFrame(client, []byte("Done"))
	if p, _ := protocol.ReadFrame(client); string(p) != "M/levels/gridmap_v2/info.json" {
		t.Fatalf("map frame = %q", p)
	}
	if !<-done {
		t.Fatal("sync loop failed")
	}
}

func TestSyncLoopRejectsUnknownMod(t *testing.T) {
	deps := testDeps(t)
	s, client := newTestSessionRaw(t, deps, "alice")

	done := make(chan bool, 1)
	go func() { done <- s.syncResources(context.Background()) }()
	if p, _ := protocol.ReadFrame(client); string(p) != "P0" {
		t.Fatalf("slot announce = %q", p)
	}
	protocol.WriteFrame(client, []byte("f/evil.zip"))
	if p, _ := protocol.ReadFrame(client); string(p) != "CO" {
		t.Fatalf("denial = %q", p)
	}
	if p, _ := protocol.ReadFrame(client); len(p) == 0 || p[0] != 'K' {
		t.Fatalf("expected kick, got %q", p)
	}
	if <-done {
		t.Fatal("sync loop accepted an unknown mod")
	}
}

func TestTeardownAnnouncesDeparture(t *testing.T) {
	deps := testDeps(t)
	s, _ := newTestSession(t, deps, "alice")
	_, bFrames := newTestSession(t, deps, "bob")
	ctx := context.Background()

	s.handleVehicle(ctx, `Os:0:{"jbm":"etk800"}`)
	recvFrame(t, bFrames) // spawn fan-out
	s.ready.Store(true)

	s.teardown(ctx)

	if got := recvFrame(t, bFrames); got != "Od:0-0" {
		t.Fatalf("car removal = %q", got)
	}
	if got := recvFrame(t, bFrames); got != "Jalice disconnected!" {
		t.Fatalf("departure = %q", got)
	}
	if deps.Registry.ByNick("alice") != nil {
		t.Fatal("session still registered after teardown")
	}
}

func TestStaleReconnectFreesSlot(t *testing.T) {
	deps := testDeps(t)
	old, _ := newTestSession(t, deps, "alice")
	ctx := context.Background()

	old.handleVehicle(ctx, `Os:0:{"jbm":"etk800"}`)
	old.ready.Store(true)

	// Account takeover: the replacement kicks the incumbent, then registers
	// under the same nick before the incumbent's teardown grace expires.
	old.Kick("Stale client (someone reconnected with your account)")
	replacement, rFrames := newTestSession(t, deps, "alice")
	if replacement.SlotID() != 1 {
		t.Fatalf("replacement slot = %d, want 1", replacement.SlotID())
	}

	old.teardown(ctx)

	if got := deps.Registry.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	if deps.Registry.BySlot(0) != nil {
		t.Fatal("dead incumbent still registered at slot 0")
	}
	if deps.Registry.ByNick("alice") != replacement {
		t.Fatal("replacement lost its nick entry")
	}
	// The nick changed hands, so no car-removal or departure broadcasts.
	expectNoFrame(t, rFrames)

	next, _ := newTestSession(t, deps, "bob")
	if next.SlotID() != 0 {
		t.Fatalf("freed slot not reused, got %d", next.SlotID())
	}
}

func TestShortEventFrameIgnored(t *testing.T) {
	deps := testDeps(t)
	s, frames := newTestSession(t, deps, "alice")
	ctx := context.Background()

	for _, pkt := range []string{"E", "E:", "E:x"} {
		s.dispatchReliable(ctx, []byte(pkt))
		if !s.Alive() {
			t.Fatalf("session died on %q", pkt)
		}
	}
	expectNoFrame(t, frames)
}
