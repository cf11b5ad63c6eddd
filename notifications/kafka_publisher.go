package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// Event is the record published for downstream consumers (SMS, chat, analytics).
type Event struct {
	Kind      Kind      `json:"kind"`
	Recipient Recipient `json:"recipient"`
	Data      Data      `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	now      func() time.Time
}

// NewKafkaPublisher dials the brokers, retrying a few times while the cluster comes up.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3

	var producer sarama.SyncProducer
	var err error
	for i := 1; i <= 5; i++ {
		producer, err = sarama.NewSyncProducer(brokers, cfg)
		if err == nil {
			log.Printf("✅ Kafka producer initialized for topic %s", topic)
			return NewKafkaPublisherWithProducer(producer, topic), nil
		}
		log.Printf("Waiting for Kafka... (%d/5) Error: %v", i, err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("start kafka producer: %w", err)
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *KafkaPublisher) Notify(ctx context.Context, to Recipient, kind Kind, data Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(Event{Kind: kind, Recipient: to, Data: data, CreatedAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(to.Email),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(kind)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		log.Printf("❌ Failed to publish %s event: %v", kind, err)
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	log.Printf("📤 Published %s event to %s[%d]@%d", kind, p.topic, partition, offset)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
