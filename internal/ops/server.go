package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openbeam/relayd/internal/monitoring"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the operator HTTP surface: Prometheus metrics, a health snapshot,
// and the WebSocket console.
type Server struct {
	addr   string
	cs     *CommandSet
	health func() map[string]any
	log    zerolog.Logger
}

func NewServer(addr string, cs *CommandSet, health func() map[string]any, log zerolog.Logger) *Server {
	return &Server{
		addr:   addr,
		cs:     cs,
		health: health,
		log:    log.With().Str("component", "ops").Logger(),
	}
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/console", s.handleConsole)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("Ops server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(s.health())
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

// handleConsole upgrades to WebSocket and runs a line-in, reply-out command
// loop. One goroutine per operator connection.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("Console upgrade failed")
		return
	}
	s.log.Info().Str("addr", conn.RemoteAddr().String()).Msg("Console attached")

	go func() {
		defer monitoring.RecoverPanic(s.log, "console-conn")
		defer conn.Close()
		for {
			msg, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				s.log.Debug().Err(err).Msg("Console detached")
				return
			}
			if op != ws.OpText {
				continue
			}
			reply := s.cs.Execute(string(msg))
			if reply == "" {
				continue
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, []byte(reply)); err != nil {
				return
			}
		}
	}()
}
