// v1
// internal/circuitbreaker/kafka.go
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageWriter mirrors the subset of kafka.Writer the wrappers use.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// kafkaMessageReader mirrors the subset of kafka.Reader the wrappers use.
type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
}

// KafkaBreaker bundles a breaker with a per-attempt timeout for kafka
// reader/writer wrappers. A nil or disabled KafkaBreaker passes calls
// straight through.
type KafkaBreaker struct {
	enabled bool
	timeout time.Duration
	brk     *Breaker
}

// Enabled reports whether breaker protection is active.
func (k *KafkaBreaker) Enabled() bool {
	return k != nil && k.enabled && k.brk != nil
}

// NewKafkaBreakerFromEnv builds a KafkaBreaker from environment tunables:
//
//   - CB_ENABLED (default: false)
//   - CB_KAFKA_FAILURE_THRESHOLD (default: 5)
//   - CB_KAFKA_OPEN_SECONDS (default: 30)
//   - CB_KAFKA_TIMEOUT_MS (default: 3000)
func NewKafkaBreakerFromEnv(name string, lg *slog.Logger) (*KafkaBreaker, error) {
	enabled := parseEnvBool("CB_ENABLED")
	failures, err := parseEnvInt("CB_KAFKA_FAILURE_THRESHOLD", 5)
	if err != nil {
		return nil, err
	}
	openSec, err := parseEnvInt("CB_KAFKA_OPEN_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	timeoutMS, err := parseEnvInt("CB_KAFKA_TIMEOUT_MS", 3000)
	if err != nil {
		return nil, err
	}
	if failures < 1 {
		return nil, errors.New("CB_KAFKA_FAILURE_THRESHOLD must be >= 1")
	}
	if openSec < 1 {
		return nil, errors.New("CB_KAFKA_OPEN_SECONDS must be >= 1")
	}

	kb := &KafkaBreaker{enabled: enabled, timeout: time.Duration(timeoutMS) * time.Millisecond}
	if enabled {
		kb.brk = New(name, Config{MaxFailures: failures, ResetTimeout: time.Duration(openSec) * time.Second}, lg)
	}
	return kb, nil
}

func (k *KafkaBreaker) do(ctx context.Context, op func(ctx context.Context) error) error {
	if !k.Enabled() {
		return op(ctx)
	}
	if k.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}
	return k.brk.Execute(ctx, op)
}

// Writer wraps a kafka writer with breaker protection.
type Writer struct {
	breaker *KafkaBreaker
	writer  kafkaMessageWriter
}

func NewWriter(w kafkaMessageWriter, breaker *KafkaBreaker) *Writer {
	return &Writer{writer: w, breaker: breaker}
}

func (w *Writer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	return w.breaker.do(ctx, func(execCtx context.Context) error {
		return w.writer.WriteMessages(execCtx, msgs...)
	})
}

// Reader wraps a kafka reader with breaker protection.
type Reader struct {
	breaker *KafkaBreaker
	reader  kafkaMessageReader
}

func NewReader(r kafkaMessageReader, breaker *KafkaBreaker) *Reader {
	return &Reader{reader: r, breaker: breaker}
}

func (r *Reader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r == nil || r.reader == nil {
		return kafka.Message{}, errors.New("nil kafka reader")
	}
	var msg kafka.Message
	err := r.breaker.do(ctx, func(execCtx context.Context) error {
		var innerErr error
		msg, innerErr = r.reader.FetchMessage(execCtx)
		return innerErr
	})
	return msg, err
}

func parseEnvInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid " + key)
	}
	return v, nil
}

func parseEnvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
