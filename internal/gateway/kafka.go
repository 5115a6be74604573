// v3
// internal/gateway/kafka.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"aquagrid/engine/internal/circuitbreaker"
	"aquagrid/engine/internal/config"
	"aquagrid/engine/internal/model"
)

// CommandFeedback is the device-side execution report consumed from the
// feedback topic.
type CommandFeedback struct {
	CommandID int64               `json:"commandId"`
	Status    model.CommandStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	DeviceID  string              `json:"deviceId,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// LedgerEvent mirrors what the engine appends to its durable ledger, published
// for external consumers.
type LedgerEvent struct {
	RunID      string            `json:"runId"`
	PlanID     string            `json:"planId"`
	BatchIndex int               `json:"batchIndex"`
	Status     model.BatchStatus `json:"status"`
	Detail     string            `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// KafkaIO owns every broker-facing reader and writer. Water level readings
// arrive partitioned by irrigation segment; commands go out keyed by device so
// per-device ordering is preserved.
type KafkaIO struct {
	cfg *config.AppConfig
	lg  *slog.Logger

	segmentReaders   map[string]*kafka.Reader
	segmentCBReaders map[string]*circuitbreaker.Reader
	feedbackReader   *kafka.Reader
	feedbackCB       *circuitbreaker.Reader
	commandWriter    *kafka.Writer
	commandCB        *circuitbreaker.Writer
	ledgerWriter     *kafka.Writer
	ledgerCB         *circuitbreaker.Writer
}

func NewKafkaIO(cfg *config.AppConfig, lg *slog.Logger) (*KafkaIO, error) {
	if len(cfg.Segments) == 0 {
		return nil, errors.New("no segments configured")
	}
	readerBreaker, err := circuitbreaker.NewKafkaBreakerFromEnv("engine-kafka-reader", lg)
	if err != nil {
		return nil, fmt.Errorf("reader breaker: %w", err)
	}
	writerBreaker, err := circuitbreaker.NewKafkaBreakerFromEnv("engine-kafka-writer", lg)
	if err != nil {
		return nil, fmt.Errorf("writer breaker: %w", err)
	}
	io := &KafkaIO{
		cfg:              cfg,
		lg:               lg,
		segmentReaders:   map[string]*kafka.Reader{},
		segmentCBReaders: map[string]*circuitbreaker.Reader{},
	}
	if err := io.ensureTopics(context.Background()); err != nil {
		lg.Warn("topic ensure failed", "error", err)
	}
	lg.Info("kafka breaker", "component", "reader", "enabled", readerBreaker.Enabled())
	lg.Info("kafka breaker", "component", "writer", "enabled", writerBreaker.Enabled())
	for idx, seg := range cfg.Segments {
		raw := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.ReadingsTopic,
			Partition: idx, // one partition per segment (sensors -> engine)
			MinBytes:  1, MaxBytes: 10e6, MaxWait: 200 * time.Millisecond,
		})
		io.segmentReaders[seg] = raw
		io.segmentCBReaders[seg] = circuitbreaker.NewReader(raw, readerBreaker)
		lg.Info("kafka wired", "segment", seg, "readingsTopic", cfg.ReadingsTopic, "partition", idx)
	}
	io.feedbackReader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.FeedbackTopic,
		GroupID:  "irrigation-engine",
		MinBytes: 1, MaxBytes: 10e6, MaxWait: 200 * time.Millisecond,
	})
	io.feedbackCB = circuitbreaker.NewReader(io.feedbackReader, readerBreaker)
	io.commandWriter = &kafka.Writer{Addr: kafka.TCP(cfg.KafkaBrokers...), Topic: cfg.CommandTopic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireAll}
	io.commandCB = circuitbreaker.NewWriter(io.commandWriter, writerBreaker)
	io.ledgerWriter = &kafka.Writer{Addr: kafka.TCP(cfg.KafkaBrokers...), Topic: cfg.LedgerTopic, RequiredAcks: kafka.RequireAll}
	io.ledgerCB = circuitbreaker.NewWriter(io.ledgerWriter, writerBreaker)
	return io, nil
}

func (ioh *KafkaIO) ensureTopics(ctx context.Context) error {
	broker := ioh.cfg.KafkaBrokers[0]
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			ioh.lg.Warn("broker conn close", "error", err)
		}
	}()
	ctrl, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	c, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ctrl.Host, ctrl.Port))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			ioh.lg.Warn("controller conn close", "error", err)
		}
	}()

	cfgs := []kafka.TopicConfig{
		{Topic: ioh.cfg.ReadingsTopic, NumPartitions: len(ioh.cfg.Segments), ReplicationFactor: ioh.cfg.TopicReplication},
		{Topic: ioh.cfg.CommandTopic, NumPartitions: len(ioh.cfg.Segments), ReplicationFactor: ioh.cfg.TopicReplication},
		{Topic: ioh.cfg.FeedbackTopic, NumPartitions: 1, ReplicationFactor: ioh.cfg.TopicReplication},
		{Topic: ioh.cfg.LedgerTopic, NumPartitions: 1, ReplicationFactor: ioh.cfg.TopicReplication},
	}
	if err := c.CreateTopics(cfgs...); err != nil {
		ioh.lg.Warn("CreateTopics", "error", err)
	}
	ioh.lg.Info("topics ensured", "segments", ioh.cfg.Segments)
	return nil
}

func (ioh *KafkaIO) Close() {
	for s, r := range ioh.segmentReaders {
		_ = r.Close()
		ioh.lg.Info("reader closed", "segment", s)
	}
	if ioh.feedbackReader != nil {
		_ = ioh.feedbackReader.Close()
	}
	if ioh.commandWriter != nil {
		_ = ioh.commandWriter.Close()
	}
	if ioh.ledgerWriter != nil {
		_ = ioh.ledgerWriter.Close()
	}
	ioh.lg.Info("kafka closed")
}

// DrainSegmentReadings reads everything currently queued on the segment
// partition and returns only the most recent reading per field. Stale
// intermediate levels are useless once a newer one exists.
func (ioh *KafkaIO) DrainSegmentReadings(ctx context.Context, segment string) ([]model.WaterLevelReading, error) {
	r, ok := ioh.segmentCBReaders[segment]
	if !ok {
		return nil, fmt.Errorf("no reader for segment %s", segment)
	}
	latest := map[string]model.WaterLevelReading{}
	deadline := time.Now().Add(350 * time.Millisecond)
	for {
		ctx2, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
		msg, err := r.FetchMessage(ctx2)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			if len(latest) == 0 {
				return nil, err
			}
			break
		}
		var rd model.WaterLevelReading
		if err := json.Unmarshal(msg.Value, &rd); err != nil {
			ioh.lg.Error("bad json", "segment", segment, "error", err)
			continue
		}
		if rd.FieldID == "" {
			ioh.lg.Warn("reading without field id dropped", "segment", segment)
			continue
		}
		if prev, ok := latest[rd.FieldID]; !ok || rd.Timestamp.After(prev.Timestamp) {
			latest[rd.FieldID] = rd
		}
		if time.Now().After(deadline) {
			break
		}
	}
	out := make([]model.WaterLevelReading, 0, len(latest))
	for _, rd := range latest {
		out = append(out, rd)
	}
	return out, nil
}

// DrainFeedback collects pending device execution reports.
func (ioh *KafkaIO) DrainFeedback(ctx context.Context) ([]CommandFeedback, error) {
	var out []CommandFeedback
	deadline := time.Now().Add(350 * time.Millisecond)
	for {
		ctx2, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
		msg, err := ioh.feedbackCB.FetchMessage(ctx2)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			if len(out) == 0 {
				return nil, err
			}
			break
		}
		var fb CommandFeedback
		if err := json.Unmarshal(msg.Value, &fb); err != nil {
			ioh.lg.Error("bad feedback json", "error", err)
			continue
		}
		out = append(out, fb)
		if time.Now().After(deadline) {
			break
		}
	}
	return out, nil
}

// PublishCommands writes commands to the device topic keyed by device ID.
func (ioh *KafkaIO) PublishCommands(ctx context.Context, cmds []model.DeviceCommand) error {
	if len(cmds) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(cmds))
	for _, c := range cmds {
		b, _ := json.Marshal(c)
		msgs = append(msgs, kafka.Message{Key: []byte(c.DeviceID), Value: b, Time: time.Now()})
	}
	if err := ioh.commandCB.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("command write: %w", err)
	}
	ioh.lg.Info("commands_published", "count", len(cmds), "topic", ioh.cfg.CommandTopic)
	return nil
}

// PublishLedgerEvent mirrors one ledger transition to the ledger topic.
func (ioh *KafkaIO) PublishLedgerEvent(ctx context.Context, ev LedgerEvent) error {
	b, _ := json.Marshal(ev)
	msg := kafka.Message{Key: []byte(fmt.Sprintf("batch-%d", ev.BatchIndex)), Value: b, Time: time.Now()}
	if err := ioh.ledgerCB.WriteMessages(ctx, msg); err != nil {
		ioh.lg.Error("ledger_write_err", "batch", ev.BatchIndex, "topic", ioh.cfg.LedgerTopic, "err", err)
		return fmt.Errorf("ledger write: %w", err)
	}
	ioh.lg.Info("ledger_write_ok", "batch", ev.BatchIndex, "topic", ioh.cfg.LedgerTopic, "status", ev.Status)
	return nil
}
