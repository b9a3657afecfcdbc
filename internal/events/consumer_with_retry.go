package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// SettlementIncompleteHandler repairs the fulfilment of one order.
type SettlementIncompleteHandler interface {
	HandleSettlementIncomplete(ctx context.Context, event SettlementIncompleteEvent) error
	IsRetryable(err error) bool
}

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

type ConsumerMetrics struct {
	Processed    int64 `json:"processed"`
	Retries      int64 `json:"retries"`
	DeadLettered int64 `json:"dead_lettered"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
}

// MessageMetadata travels with a dead-lettered message in its "metadata" header.
type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// KafkaConsumerWithRetry consumes order.settlement.incomplete, retries
// retryable handler errors with exponential backoff and dead-letters the rest.
type KafkaConsumerWithRetry struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	processor     *messageProcessor
	logger        *logrus.Logger
	topics        []string
}

func NewKafkaConsumerWithRetry(brokers, groupID string, handler SettlementIncompleteHandler, policy RetryPolicy, logger *logrus.Logger) (*KafkaConsumerWithRetry, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), newProducerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &KafkaConsumerWithRetry{
		consumerGroup: consumerGroup,
		producer:      producer,
		processor:     newMessageProcessor(handler, producer, policy, logger),
		logger:        logger,
		topics:        []string{SettlementIncompleteTopic},
	}, nil
}

// Start blocks consuming until ctx is cancelled or the group fails.
func (c *KafkaConsumerWithRetry) Start(ctx context.Context) error {
	handler := &consumerGroupHandlerWithRetry{processor: c.processor, logger: c.logger}

	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *KafkaConsumerWithRetry) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *KafkaConsumerWithRetry) Metrics() ConsumerMetrics {
	return c.processor.snapshot()
}

type consumerGroupHandlerWithRetry struct {
	processor *messageProcessor
	logger    *logrus.Logger
}

func (h *consumerGroupHandlerWithRetry) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandlerWithRetry) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandlerWithRetry) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.processor.process(session.Context(), message) {
				// Unmarked; ending the claim ends the session and the
				// next one redelivers from the last committed offset.
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// messageProcessor holds the per-message logic so it can run without a broker.
type messageProcessor struct {
	handler  SettlementIncompleteHandler
	producer sarama.SyncProducer
	policy   RetryPolicy
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	processed    atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
}

func newMessageProcessor(handler SettlementIncompleteHandler, producer sarama.SyncProducer, policy RetryPolicy, logger *logrus.Logger) *messageProcessor {
	return &messageProcessor{
		handler:  handler,
		producer: producer,
		policy:   policy,
		logger:   logger,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// process reports whether the message is done with, either repaired or
// dead-lettered. Only such messages may have their offset committed.
func (p *messageProcessor) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	p.processed.Add(1)

	err := p.handleWithRetry(ctx, message)
	if err == nil {
		p.succeeded.Add(1)
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	p.failed.Add(1)
	p.logger.WithError(err).WithField("key", string(message.Key)).Error("Failed to process message after retries")
	if dlqErr := p.sendToDLQ(message, err); dlqErr != nil {
		p.logger.WithError(dlqErr).WithFields(logrus.Fields{
			"partition": message.Partition,
			"offset":    message.Offset,
		}).Error("Failed to send message to DLQ, leaving it uncommitted")
		return false
	}
	p.deadLettered.Add(1)
	return true
}

func (p *messageProcessor) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event SettlementIncompleteEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal settlement incomplete event: %w", err)
	}

	delay := p.policy.InitialDelay
	var err error
	for attempt := 0; attempt <= p.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"attempt":  attempt,
				"delay":    delay.String(),
			}).Info("Retrying settlement repair")
			if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
			p.retries.Add(1)

			delay *= 2
			if delay > p.policy.MaxDelay {
				delay = p.policy.MaxDelay
			}
		}

		err = p.handler.HandleSettlementIncomplete(ctx, event)
		if err == nil {
			return nil
		}
		if !p.handler.IsRetryable(err) {
			return err
		}
		p.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error repairing settlement")
	}

	return fmt.Errorf("exhausted retries for order %s: %w", event.OrderID, err)
}

func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == "retry_count" {
			if n, err := strconv.Atoi(string(header.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}

func (p *messageProcessor) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	now := p.now().UTC()
	metadata := MessageMetadata{
		RetryCount:    retryCount(message),
		FailedAt:      now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: SettlementIncompleteDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"dlq_topic":     SettlementIncompleteDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")
	return nil
}

func (p *messageProcessor) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		Processed:    p.processed.Load(),
		Retries:      p.retries.Load(),
		DeadLettered: p.deadLettered.Load(),
		Succeeded:    p.succeeded.Load(),
		Failed:       p.failed.Load(),
	}
}
