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

// ErrReplayLimit is returned for a dead letter that has already been replayed
// MaxReplays times. Such messages stay parked in the DLQ for an operator.
var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

type ReplayConfig struct {
	// Delay is waited before each replay so a failing dependency can recover.
	Delay      time.Duration
	MaxReplays int
}

func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{Delay: 30 * time.Second, MaxReplays: 3}
}

type DLQStats struct {
	DLQTopic string `json:"dlq_topic"`
	Seen     int64  `json:"seen"`
	Replayed int64  `json:"replayed"`
	Parked   int64  `json:"parked"`
	Failed   int64  `json:"failed"`
}

// DLQReplayer moves dead-lettered settlement repairs back onto
// order.settlement.incomplete with an incremented retry_count header.
type DLQReplayer struct {
	consumer sarama.ConsumerGroup
	producer sarama.SyncProducer
	cfg      ReplayConfig
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	seen     atomic.Int64
	replayed atomic.Int64
	parked   atomic.Int64
	failed   atomic.Int64
}

func NewDLQReplayer(brokers, groupID string, cfg ReplayConfig, logger *logrus.Logger) (*DLQReplayer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), newProducerConfig())
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	r := NewDLQReplayerWith(producer, cfg, logger)
	r.consumer = consumer
	return r, nil
}

// NewDLQReplayerWith builds a replayer that only republishes; Run is not
// available without a consumer group.
func NewDLQReplayerWith(producer sarama.SyncProducer, cfg ReplayConfig, logger *logrus.Logger) *DLQReplayer {
	if cfg.MaxReplays <= 0 {
		cfg.MaxReplays = DefaultReplayConfig().MaxReplays
	}
	return &DLQReplayer{
		producer: producer,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func (r *DLQReplayer) Run(ctx context.Context) error {
	if r.consumer == nil {
		return errors.New("dlq replayer has no consumer group")
	}
	handler := &dlqConsumerHandler{replayer: r, logger: r.logger}

	for {
		if err := r.consumer.Consume(ctx, []string{SettlementIncompleteDLQTopic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			r.logger.WithError(err).Error("Error consuming from DLQ")
			return err
		}
		if ctx.Err() != nil {
			r.logger.Info("DLQ replayer context cancelled")
			return nil
		}
	}
}

func metadataOf(message *sarama.ConsumerMessage) (MessageMetadata, bool) {
	var metadata MessageMetadata
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == "metadata" {
			if err := json.Unmarshal(header.Value, &metadata); err != nil {
				return MessageMetadata{}, false
			}
			return metadata, true
		}
	}
	return MessageMetadata{}, false
}

// Replay republishes one dead letter. It returns ErrReplayLimit without
// publishing when the message has used up its replays.
func (r *DLQReplayer) Replay(message *sarama.ConsumerMessage) error {
	r.seen.Add(1)

	metadata, ok := metadataOf(message)
	if !ok {
		r.logger.WithField("key", string(message.Key)).Warn("DLQ message has no readable metadata")
	}

	if metadata.RetryCount >= r.cfg.MaxReplays {
		r.parked.Add(1)
		r.logger.WithFields(logrus.Fields{
			"order_key":     string(message.Key),
			"retry_count":   metadata.RetryCount,
			"error_message": metadata.ErrorMessage,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: SettlementIncompleteTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(metadata.RetryCount + 1))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(r.now().UTC().Format(time.RFC3339))},
		},
	}

	partition, offset, err := r.producer.SendMessage(replayMessage)
	if err != nil {
		r.failed.Add(1)
		return fmt.Errorf("failed to replay message: %w", err)
	}
	r.replayed.Add(1)

	r.logger.WithFields(logrus.Fields{
		"replay_topic":     SettlementIncompleteTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"order_key":        string(message.Key),
		"retry_count":      metadata.RetryCount + 1,
	}).Info("Message replayed from DLQ")
	return nil
}

func (r *DLQReplayer) Stats() DLQStats {
	return DLQStats{
		DLQTopic: SettlementIncompleteDLQTopic,
		Seen:     r.seen.Load(),
		Replayed: r.replayed.Load(),
		Parked:   r.parked.Load(),
		Failed:   r.failed.Load(),
	}
}

func (r *DLQReplayer) Close() error {
	if err := r.producer.Close(); err != nil {
		r.logger.WithError(err).Error("Failed to close producer")
	}
	if r.consumer == nil {
		return nil
	}
	return r.consumer.Close()
}

type dlqConsumerHandler struct {
	replayer *DLQReplayer
	logger   *logrus.Logger
}

func (h *dlqConsumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			h.logger.WithFields(logrus.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
				"key":       string(message.Key),
			}).Info("Processing DLQ message")

			if err := h.replayer.sleep(session.Context(), h.replayer.cfg.Delay); err != nil {
				return nil
			}
			if err := h.replayer.Replay(message); err != nil && !errors.Is(err, ErrReplayLimit) {
				h.logger.WithError(err).Error("Failed to replay DLQ message")
				// Leave the offset uncommitted so the next session retries it.
				return err
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
