package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"rhinoguard/internal/config"
	"rhinoguard/internal/model"
	"rhinoguard/internal/normalize"
)

func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Detection, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, NewParser(), out, logger)
	}
}

// tailFile follows path like tail -F: it reopens the file when it is
// truncated or rotated away.
func tailFile(ctx context.Context, path string, startAtEnd bool, parser *Parser, out chan<- model.Detection, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			if file != nil {
				_ = file.Close()
			}
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		var partial string
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					partial += chunk
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr != nil || info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			line := partial + chunk
			partial = ""
			offset += int64(len(line))
			handleLine(ctx, parser, line, out, logger)
		}
	}
}

func handleLine(ctx context.Context, parser *Parser, line string, out chan<- model.Detection, logger *slog.Logger) {
	fields, err := parser.ParseLine(line)
	if err != nil || fields == nil {
		return
	}
	det, err := normalize.Detection(*fields, time.Now())
	if err != nil {
		if logger != nil {
			logger.Warn("tail detection rejected", "err", err)
		}
		return
	}
	SendNonBlocking(ctx, out, det, logger)
}
