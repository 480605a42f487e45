package mods

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openbeam/relayd/internal/monitoring"
)

const (
	chunkSize = 1 << 20 // 1 MiB per write

	// chunkDrainTimeout bounds each chunk write; a stalled client aborts the
	// whole transfer.
	chunkDrainTimeout = 120 * time.Second

	// queuePollInterval is the backoff while waiting for the upload slot when
	// serialized uploads are enabled.
	queuePollInterval = 200 * time.Millisecond
)

// HalfWriter is the per-half transfer target. Both halves of an archive go to
// net.Conn values; tests substitute in-memory fakes.
type HalfWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// Uploader streams mod archives to clients, splitting each file at
// floor(size/2): the first half rides the primary reliable socket, the second
// the dedicated download socket, concurrently.
type Uploader struct {
	speedMiB float64 // whole-transfer cap in MiB/s, 0 = unlimited
	useQueue bool
	slot     chan struct{}
	log      zerolog.Logger
}

func NewUploader(speedMiB float64, useQueue bool, log zerolog.Logger) *Uploader {
	return &Uploader{
		speedMiB: speedMiB,
		useQueue: useQueue,
		slot:     make(chan struct{}, 1),
		log:      log.With().Str("component", "uploader").Logger(),
	}
}

// Send streams entry to the client over both sockets. It blocks until the
// transfer completes, fails, or ctx is canceled. The byte counts of both
// halves must add up to the archive size.
func (u *Uploader) Send(ctx context.Context, primary, download HalfWriter, e Entry) error {
	if err := u.acquire(ctx); err != nil {
		return err
	}
	defer u.release()

	halfSize := e.Size / 2

	var perHalf float64
	if u.speedMiB > 0 {
		perHalf = u.speedMiB / 2
	}

	start := time.Now()
	var sentA, sentB int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := u.streamRange(gctx, primary, e.FsPath, 0, halfSize, perHalf)
		sentA = n
		return err
	})
	g.Go(func() error {
		n, err := u.streamRange(gctx, download, e.FsPath, halfSize, e.Size, perHalf)
		sentB = n
		return err
	})
	err := g.Wait()

	sent := sentA + sentB
	monitoring.ModBytesSent.Add(float64(sent))
	if err != nil {
		monitoring.ModUploads.WithLabelValues("error").Inc()
		return fmt.Errorf("mods: send %s: %w", e.Name, err)
	}
	if sent != e.Size {
		monitoring.ModUploads.WithLabelValues("short").Inc()
		return fmt.Errorf("mods: send %s: sent %d of %d bytes", e.Name, sent, e.Size)
	}

	elapsed := time.Since(start)
	ev := u.log.Info().
		Str("mod", e.Name).
		Float64("size_mib", float64(e.Size)/chunkSize).
		Int("speed_mibs", int(math.Ceil(float64(e.Size)/math.Max(elapsed.Seconds(), 0.001)/chunkSize))).
		Dur("elapsed", elapsed)
	if u.speedMiB > 0 {
		ev = ev.Float64("limit_mibs", u.speedMiB)
	}
	ev.Msg("Mod sent")
	monitoring.ModUploads.WithLabelValues("ok").Inc()
	return nil
}

// streamRange copies bytes [start, end) of the file to w in 1 MiB chunks.
// Returns the byte count actually written, even on error.
func (u *Uploader) streamRange(ctx context.Context, w HalfWriter, path string, start, end int64, speedMiB float64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return 0, err
	}

	var limiter *rate.Limiter
	if speedMiB > 0 {
		limiter = rate.NewLimiter(rate.Limit(speedMiB*chunkSize), chunkSize)
	}

	buf := make([]byte, chunkSize)
	var sent int64
	remain := end - start
	for remain > 0 {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n := int64(len(buf))
		if remain < n {
			n = remain
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return sent, err
		}
		if limiter != nil {
			if err := limiter.WaitN(ctx, int(n)); err != nil {
				return sent, err
			}
		}
		if err := w.SetWriteDeadline(time.Now().Add(chunkDrainTimeout)); err != nil {
			return sent, err
		}
		wn, err := w.Write(buf[:n])
		sent += int64(wn)
		if err != nil {
			return sent, err
		}
		remain -= n
	}
	return sent, nil
}

func (u *Uploader) acquire(ctx context.Context) error {
	if !u.useQueue {
		return nil
	}
	for {
		select {
		case u.slot <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(queuePollInterval):
		}
	}
}

func (u *Uploader) release() {
	if !u.useQueue {
		return
	}
	select {
	case <-u.slot:
	default:
	}
}
