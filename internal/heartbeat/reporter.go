package heartbeat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/openbeam/relayd/internal/config"
	"github.com/openbeam/relayd/internal/monitoring"
)

// interval between directory announcements.
const interval = 15 * time.Second

var defaultMirrors = []string{
	"https://backend.beammp.com",
	"https://backup1.beammp.com",
	"https://backup2.beammp.com",
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Roster is the slice of registry state the reporter needs.
type Roster interface {
	Count() int
	Nicks() []string
}

// ModCatalog is the slice of mod-inventory state the reporter needs.
type ModCatalog interface {
	BasenameList() string
	TotalSize() int64
	Count() int
}

// Reporter announces the server to the public directory every 15 seconds.
// Private servers, and servers the directory has refused, run in direct mode
// and never announce.
type Reporter struct {
	cfg     *config.Config
	roster  Roster
	mods    ModCatalog
	client  *http.Client
	mirrors []string
	direct  atomic.Bool
	log     zerolog.Logger
}

func New(cfg *config.Config, roster Roster, mods ModCatalog, log zerolog.Logger) *Reporter {
	return &Reporter{
		cfg:     cfg,
		roster:  roster,
		mods:    mods,
		client:  &http.Client{Timeout: 10 * time.Second},
		mirrors: defaultMirrors,
		log:     log.With().Str("component", "heartbeat").Logger(),
	}
}

// Direct reports whether the server runs unlisted.
func (r *Reporter) Direct() bool { return r.direct.Load() }

// Run announces until ctx is canceled. The first beat doubles as the
// directory-authentication test.
func (r *Reporter) Run(ctx context.Context) {
	if r.cfg.Private {
		r.direct.Store(true)
		r.log.Info().Msg("Private server, running in direct mode")
		return
	}
	r.beat(ctx, true)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if r.direct.Load() {
				return
			}
			r.beat(ctx, false)
		}
	}
}

func (r *Reporter) beat(ctx context.Context, first bool) {
	form := r.buildForm()

	var body []byte
	for _, mirror := range r.mirrors {
		b, err := r.post(ctx, mirror+"/heartbeat", form)
		if err != nil {
			r.log.Debug().Err(err).Str("mirror", mirror).Msg("Heartbeat mirror failed")
			continue
		}
		body = b
		break
	}
	if body == nil {
		monitoring.HeartbeatFailures.Inc()
		r.direct.Store(true)
		if first {
			r.log.Error().Msg("No directory mirror responded")
			r.log.Info().Msg("Falling back to direct mode, server will not be listed")
		}
		return
	}

	var reply struct {
		Status string `json:"status"`
		Code   string `json:"code"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || reply.Status == "" {
		r.log.Error().Msg("Directory returned an unintelligible reply")
		return
	}

	switch reply.Status {
	case "2000":
		if first {
			r.log.Info().Str("msg", reply.Msg).Msg("Directory authentication accepted")
		}
	case "200":
		if first {
			r.log.Info().Str("msg", reply.Msg).Msg("Directory session resumed")
		}
	default:
		monitoring.HeartbeatFailures.Inc()
		r.log.Error().Str("status", reply.Status).Str("msg", reply.Msg).
			Msg("Directory refused the heartbeat")
		r.log.Info().Msg("Falling back to direct mode, server will not be listed")
		r.direct.Store(true)
	}
}

func (r *Reporter) post(ctx context.Context, u string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("api-v", "2")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("heartbeat: empty reply")
	}
	return body, nil
}

func (r *Reporter) buildForm() url.Values {
	mapPath := r.cfg.Map
	if !strings.Contains(mapPath, "/") {
		mapPath = "/levels/" + mapPath + "/info.json"
	}

	var players strings.Builder
	for _, nick := range r.roster.Nicks() {
		players.WriteString(nick)
		players.WriteByte(';')
	}

	return url.Values{
		"uuid":          {r.cfg.AuthKey},
		"players":       {strconv.Itoa(r.roster.Count())},
		"maxplayers":    {strconv.Itoa(r.cfg.MaxPlayers)},
		"port":          {strconv.Itoa(r.cfg.Port)},
		"map":           {mapPath},
		"private":       {strconv.FormatBool(r.cfg.Private)},
		"version":       {config.ServerVersion},
		"clientversion": {config.ClientMajorVersion},
		"name":          {r.cfg.Name},
		"tags":          {NormalizeTags(r.cfg.Tags)},
		"guests":        {strconv.FormatBool(!r.cfg.Private)},
		"modlist":       {r.mods.BasenameList()},
		"modstotalsize": {strconv.FormatInt(r.mods.TotalSize(), 10)},
		"modstotal":     {strconv.Itoa(r.mods.Count())},
		"playerslist":   {players.String()},
		"desc":          {r.cfg.Description},
		"pass":          {"false"},
	}
}

// NormalizeTags converts comma-separated tags to the directory's
// semicolon-separated form with a guaranteed trailing separator.
func NormalizeTags(tags string) string {
	out := strings.ReplaceAll(tags, ", ", ";")
	out = strings.ReplaceAll(out, ",", ";")
	if out != "" && !strings.HasSuffix(out, ";") {
		out += ";"
	}
	return out
}
