// Package kafka publishes detected roughness events for downstream
// consumers (alerting, dashboards). Publishing is optional; the database
// remains the system of record.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roadpulse/fleet-ingester/internal/config"
	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"github.com/roadpulse/fleet-ingester/internal/store"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

type EventPublisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

func NewEventPublisher(cfg config.KafkaConfig, logger *zap.Logger) (*EventPublisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	}

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("kafka tls: %w", err)
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if mech := cfg.BuildSASLMechanism(); mech != nil {
		opts = append(opts, kgo.SASL(mech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &EventPublisher{client: client, topic: cfg.Topic, logger: logger}, nil
}

// PublishEvents produces one JSON message per event, keyed by truck id so a
// truck's events stay ordered within a partition. Waits for every ack.
func (p *EventPublisher) PublishEvents(ctx context.Context, events []*store.RoughnessEvent) error {
	var firstErr error
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("marshal event: %w", err)
			}
			continue
		}
		rec := &kgo.Record{
			Topic: p.topic,
			Key:   []byte(strconv.FormatInt(ev.TruckID, 10)),
			Value: value,
		}
		if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("produce to %s: %w", p.topic, err)
			}
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
	}
	return firstErr
}

func (p *EventPublisher) Close() {
	p.client.Close()
	p.logger.Info("event publisher closed")
}
