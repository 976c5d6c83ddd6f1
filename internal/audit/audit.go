// Package audit emits security events to fire-and-forget sinks.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event names.
const (
	LoginSuccess      = "auth.login.success"
	LoginFailure      = "auth.login.failure"
	RefreshSuccess    = "auth.refresh.success"
	RefreshFailure    = "auth.refresh.failure"
	ReuseDetected     = "auth.refresh.reuse_detected"
	Logout            = "auth.logout"
	LogoutAll         = "auth.logout_all"
	AdminLogoutAll    = "auth.admin.logout_all"
	RateLimitExceeded = "auth.rate_limit.exceeded"
)

// Event is one audit record.
type Event struct {
	Name      string         `json:"event"`
	UserID    int64          `json:"userId,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Sink receives audit events. Implementations must not block the caller on
// delivery and must not fail the calling operation.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// LogSink writes events as structured "audit" log lines.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.L()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, event Event) {
	fields := make([]zap.Field, 0, len(event.Attrs)+4)
	fields = append(fields, zap.String("event", event.Name), zap.Time("timestamp", stamp(event)))
	if event.UserID != 0 {
		fields = append(fields, zap.Int64("user_id", event.UserID))
	}
	if event.IPAddress != "" {
		fields = append(fields, zap.String("ip", event.IPAddress))
	}
	for k, v := range event.Attrs {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info("audit", fields...)
}

// Writer is the subset of kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON keyed by user id.
type KafkaSink struct {
	writer Writer
	logger *zap.Logger
}

// NewKafkaSink returns nil when brokers or topic are empty.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}, logger)
}

// NewKafkaSinkWithWriter allows injecting a test writer.
func NewKafkaSinkWithWriter(w Writer, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.L()
	}
	return &KafkaSink{writer: w, logger: logger}
}

func (s *KafkaSink) Record(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	event.Timestamp = stamp(event)
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("audit marshal failed", zap.String("event", event.Name), zap.Error(err))
		return
	}
	var key []byte
	if event.UserID != 0 {
		key = []byte(strconv.FormatInt(event.UserID, 10))
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(writeCtx, kafka.Message{Key: key, Value: payload}); err != nil {
		s.logger.Warn("audit publish failed", zap.String("event", event.Name), zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

// Multi fans an event out to every sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, event)
		}
	}
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// New builds the configured sink: always the log sink, plus Kafka when brokers are set.
func New(logger *zap.Logger, brokers []string, topic string) Multi {
	sinks := Multi{NewLogSink(logger)}
	if k := NewKafkaSink(brokers, topic, logger); k != nil {
		sinks = append(sinks, k)
	}
	return sinks
}

func stamp(e Event) time.Time {
	if e.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return e.Timestamp
}
