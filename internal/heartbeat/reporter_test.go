package heartbeat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openbeam/relayd/internal/config"
)

type fakeRoster struct {
	count int
	nicks []string
}

func (f fakeRoster) Count() int     { return f.count }
func (f fakeRoster) Nicks() []string { return f.nicks }

type fakeCatalog struct{}

func (fakeCatalog) BasenameList() string { return "/alpha.zip;" }
func (fakeCatalog) TotalSize() int64     { return 1234 }
func (fakeCatalog) Count() int           { return 1 }

func testConfig() *config.Config {
	return &config.Config{
		Port:       30814,
		MaxPlayers: 8,
		Map:        "gridmap_v2",
		AuthKey:    "uuid-1",
		Name:       "Test Server",
		Tags:       "freeroam, drift",
	}
}

func newTestReporter(cfg *config.Config, mirror string) *Reporter {
	r := New(cfg, fakeRoster{count: 2, nicks: []string{"a", "b"}}, fakeCatalog{}, zerolog.Nop())
	r.mirrors = []string{mirror}
	return r
}

func TestNormalizeTags(t *testing.T) {
	cases := []struct{ in, want string }{
		{"freeroam", "freeroam;"},
		{"freeroam, drift", "freeroam;drift;"},
		{"a,b,c", "a;b;c;"},
		{"trailing;", "trailing;"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeTags(c.in); got != c.want {
			t.Errorf("NormalizeTags(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBeatSendsForm(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-v") != "2" {
			t.Errorf("api-v header = %q", r.Header.Get("api-v"))
		}
		r.ParseForm()
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostFormValue(k)
		}
		w.Write([]byte(`{"status":"2000","code":"ok","msg":"welcome"}`))
	}))
	defer srv.Close()

	r := newTestReporter(testConfig(), srv.URL)
	r.beat(context.Background(), true)

	if r.Direct() {
		t.Fatal("accepted heartbeat switched to direct mode")
	}
	want := map[string]string{
		"uuid":          "uuid-1",
		"players":       "2",
		"maxplayers":    "8",
		"map":           "/levels/gridmap_v2/info.json",
		"tags":          "freeroam;drift;",
		"modlist":       "/alpha.zip;",
		"modstotalsize": "1234",
		"modstotal":     "1",
		"playerslist":   "a;b;",
		"pass":          "false",
		"clientversion": config.ClientMajorVersion,
		"version":       config.ServerVersion,
	}
	for k, v := range want {
		if form[k] != v {
			t.Errorf("form[%q] = %q, want %q", k, form[k], v)
		}
	}
}

func TestBeatResumedSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"200","code":"ok","msg":"resumed"}`))
	}))
	defer srv.Close()

	r := newTestReporter(testConfig(), srv.URL)
	r.beat(context.Background(), false)
	if r.Direct() {
		t.Fatal("resumed heartbeat switched to direct mode")
	}
}

func TestBeatRefusalSwitchesToDirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"500","code":"no","msg":"key invalid"}`))
	}))
	defer srv.Close()

	r := newTestReporter(testConfig(), srv.URL)
	r.beat(context.Background(), true)
	if !r.Direct() {
		t.Fatal("refused heartbeat did not switch to direct mode")
	}
}

func TestBeatAllMirrorsDownSwitchesToDirect(t *testing.T) {
	r := newTestReporter(testConfig(), "http://127.0.0.1:1")
	r.beat(context.Background(), true)
	if !r.Direct() {
		t.Fatal("unreachable mirrors did not switch to direct mode")
	}
}

func TestRunPrivateIsDirect(t *testing.T) {
	cfg := testConfig()
	cfg.Private = true
	r := New(cfg, fakeRoster{}, fakeCatalog{}, zerolog.Nop())
	r.Run(context.Background())
	if !r.Direct() {
		t.Fatal("private server must run direct")
	}
}

func TestMapPathPassthrough(t *testing.T) {
	cfg := testConfig()
	cfg.Map = "/levels/custom/info.json"
	r := newTestReporter(cfg, "http://127.0.0.1:1")
	form := r.buildForm()
	if got := form.Get("map"); got != "/levels/custom/info.json" {
		t.Fatalf("map = %q", got)
	}
}
