// Package sink delivers detection events downstream. Delivery is
// fire-and-forget from the pipeline's perspective: a sick sink never
// stalls inference.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"surgewatch/internal/config"
	"surgewatch/pkg/types"
)

// Sink publishes one detection.
type Sink interface {
	Publish(ctx context.Context, det types.Detection) error
	Close()
}

// New builds the sink named by the configuration.
func New(cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	switch cfg.Kind {
	case "log":
		return NewLogSink(logger), nil
	case "nats":
		return NewNATSSink(cfg, logger)
	default:
		return nil, fmt.Errorf("sink: unknown kind %q", cfg.Kind)
	}
}

// LogSink writes detections to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "sink")}
}

func (s *LogSink) Publish(_ context.Context, det types.Detection) error {
	s.logger.Info("detection",
		"id", det.ID,
		"symbol", det.Symbol,
		"probability", det.Probability,
		"threshold", det.Threshold,
		"model_version", det.ModelVersion,
		"top_features", det.TopFeatures)
	return nil
}

func (s *LogSink) Close() {}

// NATSSink publishes detections as JSON to a subject. The client reconnects
// on its own; publishes while disconnected buffer inside the client until
// the pending limit.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATSSink(cfg config.SinkConfig, logger *slog.Logger) (*NATSSink, error) {
	log := logger.With("component", "sink")
	opts := []nats.Option{
		nats.Name("surgewatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("nats async error", "error", err)
		}),
	}
	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSSink{conn: conn, subject: cfg.Subject, logger: log}, nil
}

func (s *NATSSink) Publish(_ context.Context, det types.Detection) error {
	data, err := json.Marshal(det)
	if err != nil {
		return fmt.Errorf("marshal detection: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish detection: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() {
	if err := s.conn.Drain(); err != nil {
		s.logger.Warn("nats drain", "error", err)
	}
}
