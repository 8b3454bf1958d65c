// Package forward publishes accepted events to a Kafka topic for downstream
// consumers (warehouses, SIEMs, custom tooling). Delivery is at most once:
// records are handed to the producer's buffer and dropped on overflow or
// broker failure rather than ever blocking the ingest path.
package forward

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"faultline/internal/alert"
	"faultline/internal/logging"
)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka producer configuration.
type Config struct {
	Brokers []string
	Topic   string
	TLS     bool
	SASL    *SASLConfig
	Logger  *slog.Logger
}

// Forwarder owns a Kafka client and serializes events onto its buffer.
type Forwarder struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New connects a producer to the configured brokers.
func New(cfg Config) (*Forwarder, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	logger := logging.Default(cfg.Logger).With("component", "forward")
	logger.Info("event forwarding enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)

	return &Forwarder{
		client: client,
		topic:  cfg.Topic,
		logger: logger,
	}, nil
}

// wireEvent is the JSON shape published per event. Field names follow the
// dashboard API conventions so consumers see one vocabulary.
type wireEvent struct {
	ProjectID    string    `json:"projectId"`
	GroupID      string    `json:"groupId"`
	OccurrenceID string    `json:"occurrenceId"`
	Fingerprint  string    `json:"fingerprint"`
	Message      string    `json:"message"`
	Severity     string    `json:"severity"`
	Environment  string    `json:"environment"`
	UserSegment  string    `json:"userSegment,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	IsNew        bool      `json:"isNew"`
	Count        int64     `json:"count"`
}

// Forward buffers one event for delivery. It never blocks: when the producer
// buffer is full the record is dropped and logged. The record key is the
// fingerprint so occurrences of one group stay on one partition.
func (f *Forwarder) Forward(ctx context.Context, ev alert.Event) {
	body, err := json.Marshal(wireEvent{
		ProjectID:    ev.ProjectID.String(),
		GroupID:      ev.GroupID.String(),
		OccurrenceID: ev.OccurrenceID.String(),
		Fingerprint:  ev.Fingerprint,
		Message:      ev.Message,
		Severity:     ev.Severity,
		Environment:  ev.Environment,
		UserSegment:  ev.UserSegment,
		Timestamp:    ev.Timestamp,
		IsNew:        ev.IsNew,
		Count:        ev.Count,
	})
	if err != nil {
		f.logger.Warn("event forward encode failed", "group_id", ev.GroupID, "error", err)
		return
	}

	rec := &kgo.Record{
		Key:   []byte(ev.Fingerprint),
		Value: body,
	}

	f.client.TryProduce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			f.logger.Warn("event forward dropped",
				"group_id", ev.GroupID,
				"topic", f.topic,
				"error", err,
			)
		}
	})
}

// Close flushes buffered records with a short grace period and releases the
// client. Records still unsent after the grace period are dropped.
func (f *Forwarder) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.client.Flush(ctx); err != nil {
		f.logger.Warn("kafka flush on close", "error", err)
	}
	f.client.Close()
	f.logger.Info("event forwarding stopped")
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}
