package playback

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-mascot/internal/speech"
	"golang.org/x/sync/errgroup"
)

// Dispatcher stages audio in a temp file and plays it while a companion task
// (the lip-sync scheduler) runs alongside.
type Dispatcher struct {
	player  Player
	tempDir string
	logger  *slog.Logger
}

// NewDispatcher plays through player. An empty tempDir means os.TempDir.
func NewDispatcher(player Player, tempDir string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		player:  player,
		tempDir: tempDir,
		logger:  log.With(slog.String("component", "playback")),
	}
}

// Play writes wav to a fresh temp file, then runs the player and alongside
// concurrently and waits for both. A player failure cancels alongside's
// context and is returned as a PLAYBACK error. The temp file is removed in
// every case.
func (d *Dispatcher) Play(ctx context.Context, wav []byte, alongside func(context.Context)) error {
	file, err := os.CreateTemp(d.tempDir, "mascot_voice_*.wav")
	if err != nil {
		return speech.NewPlaybackError(fmt.Sprintf("create temp file: %v", err), err)
	}
	path := file.Name()
	defer func() {
		if err := os.Remove(path); err != nil {
			d.logger.Debug("failed to remove temp file", slog.String("path", path), slog.String("error", err.Error()))
		}
	}()

	if _, err := file.Write(wav); err != nil {
		file.Close()
		return speech.NewPlaybackError(fmt.Sprintf("write temp file %s: %v", path, err), err)
	}
	if err := file.Close(); err != nil {
		return speech.NewPlaybackError(fmt.Sprintf("close temp file %s: %v", path, err), err)
	}

	d.logger.Debug("playing audio", slog.String("path", path), slog.String("size", humanize.Bytes(uint64(len(wav)))))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.player.Play(gctx, path); err != nil {
			return speech.NewPlaybackError(fmt.Sprintf("audio playback failed for %s: %v", path, err), err)
		}
		return nil
	})
	if alongside != nil {
		g.Go(func() error {
			alongside(gctx)
			return nil
		})
	}
	return g.Wait()
}
