// Package queue implements BufferedRequestQueue: draining the external
// FIFO, validating and enriching each message, and inserting a durable
// record into OutstandingJobsStore before acknowledging delivery.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// Message is one FIFO entry: a structurally opaque body plus whatever the
// source needs to later acknowledge (delete) it.
type Message struct {
	ID   string
	Body []byte
}

// Source is the external FIFO queue collaborator: at-least-once delivery,
// per-message delete, redelivery on failure to delete.
type Source interface {
	// Receive blocks until at least one message is available (or ctx is
	// done), then returns up to max messages without blocking further.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Delete removes msg from the FIFO so it is not redelivered.
	Delete(ctx context.Context, msg Message) error
}

// FIFOConfig configures the Kafka-backed Source: brokers, topic, and
// consumer group.
type FIFOConfig struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
}

// KafkaSource adapts a sarama consumer group to the Source contract.
// Messages claimed by ConsumeClaim are buffered into an internal channel so
// BufferedRequestQueue can pull a tick-sized batch rather than being driven
// by sarama's own per-partition claim loop; Delete marks the corresponding
// session offset committed, the consumer-group analogue of FIFO delete.
type KafkaSource struct {
	cfg FIFOConfig
	log *zerolog.Logger

	buf chan claimedMessage

	mu      sync.Mutex
	pending map[string]claimedMessage

	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type claimedMessage struct {
	msg  Message
	sess sarama.ConsumerGroupSession
	raw  *sarama.ConsumerMessage
}

// NewKafkaSource builds a KafkaSource. Start must be called before Receive
// returns any messages.
func NewKafkaSource(cfg FIFOConfig, log *zerolog.Logger) *KafkaSource {
	return &KafkaSource{
		cfg:     cfg,
		log:     log,
		buf:     make(chan claimedMessage, 256),
		pending: make(map[string]claimedMessage),
	}
}

// Start launches the consumer group in the background, retrying on any
// error from Consume until ctx is cancelled.
func (k *KafkaSource) Start(ctx context.Context) error {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Consumer.Group.Session.Timeout = k.cfg.SessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = k.cfg.Heartbeat
	sc.Consumer.Group.Rebalance.Timeout = k.cfg.RebalanceTimeout
	if k.cfg.InitialOffsetOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(k.cfg.Brokers, k.cfg.GroupID, sc)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	k.group = group

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	handler := &claimHandler{push: k.push}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for {
			if err := group.Consume(runCtx, []string{k.cfg.Topic}, handler); err != nil {
				if k.log != nil {
					k.log.Error().Err(err).Str("topic", k.cfg.Topic).Msg("fifo consume error")
				}
				select {
				case <-time.After(2 * time.Second):
				case <-runCtx.Done():
					return
				}
			}
			if runCtx.Err() != nil {
				return
			}
		}
	}()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for err := range group.Errors() {
			if k.log != nil {
				k.log.Error().Err(err).Msg("fifo consumer group error")
			}
		}
	}()

	return nil
}

// Stop shuts the consumer group down and waits for its goroutines to exit.
func (k *KafkaSource) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	if k.group != nil {
		_ = k.group.Close()
	}
}

func (k *KafkaSource) push(cm claimedMessage) {
	select {
	case k.buf <- cm:
	default:
		// Buffer full: drop the claim handler's reference and let sarama
		// redeliver on the next rebalance rather than blocking ConsumeClaim
		// indefinitely (the external FIFO is at-least-once regardless).
	}
}

// Receive blocks for the first message, then drains up to max-1 more
// without blocking further, draining up to a configured fetch limit.
func (k *KafkaSource) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}

	var out []Message
	select {
	case cm := <-k.buf:
		out = append(out, k.track(cm))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(out) < max {
		select {
		case cm := <-k.buf:
			out = append(out, k.track(cm))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (k *KafkaSource) track(cm claimedMessage) Message {
	k.mu.Lock()
	k.pending[cm.msg.ID] = cm
	k.mu.Unlock()
	return cm.msg
}

// Delete marks the underlying claim's offset as processed.
func (k *KafkaSource) Delete(_ context.Context, msg Message) error {
	k.mu.Lock()
	cm, ok := k.pending[msg.ID]
	delete(k.pending, msg.ID)
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("fifo delete: unknown message id %q (already acknowledged?)", msg.ID)
	}
	cm.sess.MarkMessage(cm.raw, "")
	return nil
}

type claimHandler struct {
	push func(claimedMessage)
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for raw := range claim.Messages() {
		id := fmt.Sprintf("%d-%d-%d", raw.Partition, raw.Offset, sess.GenerationID())
		h.push(claimedMessage{
			msg:  Message{ID: id, Body: raw.Value},
			sess: sess,
			raw:  raw,
		})
	}
	return nil
}
