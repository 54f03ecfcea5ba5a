package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tripwire/dupwatch/internal/executor"
)

const progressEvery = 100

// SpiderResult summarizes one initial scan.
type SpiderResult struct {
	Total     int `json:"total"`
	Submitted int `json:"submitted"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
}

// Spider hashes the regular files directly inside the root, in chunks of
// SpiderChunkSize. Each chunk is awaited with FileTimeout per file, bounded
// by ChunkTimeout for the whole chunk; futures that miss either deadline are
// cancelled and counted.
func (p *Processor) Spider(ctx context.Context) (SpiderResult, error) {
	var res SpiderResult
	entries, err := os.ReadDir(p.cfg.Root)
	if err != nil {
		return res, fmt.Errorf("monitor: list %q: %w", p.cfg.Root, err)
	}
	res.Total = len(entries)
	if res.Total == 0 {
		p.console(fmt.Sprintf("No files found in %s", p.cfg.Root))
		return res, nil
	}

	chunk := p.cfg.SpiderChunkSize
	for i := 0; i < res.Total; i += chunk {
		if !p.running.Get() || ctx.Err() != nil {
			break
		}
		end := min(i+chunk, res.Total)

		futures := p.submitChunk(ctx, entries[i:end])
		if len(futures) == 0 {
			continue
		}
		res.Submitted += len(futures)

		completed, cancelled := p.waitChunk(futures)
		res.Completed += completed
		res.Cancelled += cancelled

		if end/progressEvery > i/progressEvery || end >= res.Total {
			p.console(fmt.Sprintf("[PROGRESS] Scanned %d/%d files...", end, res.Total))
		}
	}

	p.console(fmt.Sprintf("File discovery completed: %d processed, %d cancelled", res.Completed, res.Cancelled))
	return res, nil
}

func (p *Processor) submitChunk(ctx context.Context, entries []os.DirEntry) []*executor.Future {
	futures := make([]*executor.Future, 0, len(entries))
	for _, e := range entries {
		if !p.running.Get() {
			break
		}
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(p.cfg.Root, e.Name())
		if !p.cfg.Filter.Allow(path) {
			continue
		}

		fut, err := p.submit(ctx, path)
		if err != nil {
			if errors.Is(err, executor.ErrShutdown) || errors.Is(err, errStopped) || ctx.Err() != nil {
				break
			}
			p.logger.Error("monitor: submit hash job", slog.String("path", path), slog.Any("error", err))
			continue
		}
		futures = append(futures, fut)
	}
	return futures
}

func (p *Processor) waitChunk(futures []*executor.Future) (completed, cancelled int) {
	deadline := time.Now().Add(p.cfg.ChunkTimeout)

	for i, f := range futures {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			n := cancelUnfinished(futures[i:])
			cancelled += n
			p.console(fmt.Sprintf("[WARNING] Chunk timeout - cancelled %d files", n))
			return completed, cancelled
		}

		_ = f.WaitTimeout(min(p.cfg.FileTimeout, remaining))
		select {
		case <-f.Done():
		default:
			f.Cancel()
			cancelled++
			p.console("[WARNING] File processing timeout - cancelled")
			continue
		}
		if err := f.Err(); err != nil {
			cancelled++
			if !errors.Is(err, context.Canceled) && !errors.Is(err, executor.ErrCancelled) {
				p.logger.Debug("monitor: file processing error", slog.Any("error", err))
			}
			continue
		}
		completed++
	}
	return completed, cancelled
}

func cancelUnfinished(futures []*executor.Future) int {
	n := 0
	for _, f := range futures {
		select {
		case <-f.Done():
		default:
			f.Cancel()
			n++
		}
	}
	return n
}
