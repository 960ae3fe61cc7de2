package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"rhinoguard/internal/config"
	"rhinoguard/internal/model"
	"rhinoguard/internal/normalize"
)

// StartKafka consumes detection messages (one JSON object or CSV line per
// message) from the configured topic.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Detection, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			det, ok := parseMessage(parser, m.Value, logger)
			if !ok {
				continue
			}
			SendNonBlocking(ctx, out, det, logger)
		}
	}()
}

func parseMessage(parser *Parser, value []byte, logger *slog.Logger) (model.Detection, bool) {
	fields, err := parser.ParseLine(string(value))
	if err != nil || fields == nil {
		if err != nil && logger != nil {
			logger.Warn("kafka parse error", "err", err)
		}
		return model.Detection{}, false
	}
	det, err := normalize.Detection(*fields, time.Now())
	if err != nil {
		if logger != nil {
			logger.Warn("kafka detection rejected", "err", err)
		}
		return model.Detection{}, false
	}
	return det, true
}
