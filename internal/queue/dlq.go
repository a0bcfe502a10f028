package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DeadLetter is the structured cause record published alongside a
// non-processable message. Each dead-lettered request must appear exactly
// once in the DLQ, and carries enough context (endpoint, failure reason)
// for an operator to triage it without re-parsing the original body.
type DeadLetter struct {
	JobID          string          `json:"job_id,omitempty"`
	EndpointID     string          `json:"endpoint_id,omitempty"`
	Reason         string          `json:"reason"`
	Cause          string          `json:"cause"`
	OriginalBody   json.RawMessage `json:"original_body"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// DLQPublisher publishes DeadLetter records. A sync producer is used
// (rather than an async fire-and-forget one) because the caller must have
// delivery confirmation before deleting the original FIFO message: losing
// an unacknowledged DLQ publish would silently drop a request that must
// appear exactly once in the DLQ.
type DLQPublisher struct {
	topic string
	prod  sarama.SyncProducer
}

// NewDLQPublisher builds a DLQPublisher against brokers/topic.
func NewDLQPublisher(brokers []string, topic string) (*DLQPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("dlq: create sync producer: %w", err)
	}
	return &DLQPublisher{topic: topic, prod: prod}, nil
}

// Publish sends a DeadLetter for jobID/endpointID/body under reason (e.g.
// "validation", "image_access") with the given cause.
func (d *DLQPublisher) Publish(_ context.Context, jobID, endpointID, reason string, body []byte, cause error) error {
	dl := DeadLetter{
		JobID:          jobID,
		EndpointID:     endpointID,
		Reason:         reason,
		Cause:          cause.Error(),
		OriginalBody:   json.RawMessage(body),
		DeadLetteredAt: time.Now(),
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("dlq: marshal dead letter: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(jobID),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err = d.prod.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("dlq: publish: %w", err)
	}
	return nil
}

// Close releases the underlying producer.
func (d *DLQPublisher) Close() error {
	return d.prod.Close()
}
