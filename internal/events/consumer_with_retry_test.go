package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

var errTransient = errors.New("store unavailable")

type scriptedHandler struct {
	errs  []error
	calls int
}

func (h *scriptedHandler) HandleSettlementIncomplete(ctx context.Context, event SettlementIncompleteEvent) error {
	h.calls++
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func (h *scriptedHandler) IsRetryable(err error) bool { return errors.Is(err, errTransient) }

func newTestProcessor(handler SettlementIncompleteHandler, producer sarama.SyncProducer) (*messageProcessor, *[]time.Duration) {
	p := newMessageProcessor(handler, producer, RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     3 * time.Second,
	}, quietLogger())
	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return p, &delays
}

func incompleteMessage(t *testing.T) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(SettlementIncompleteEvent{OrderID: "ORD-1", Stage: StageStock})
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{
		Topic:     SettlementIncompleteTopic,
		Partition: 2,
		Offset:    41,
		Key:       []byte("ORD-1"),
		Value:     value,
	}
}

func TestProcessorSucceedsAfterRetries(t *testing.T) {
	handler := &scriptedHandler{errs: []error{errTransient, errTransient}}
	rec := &recordingProducer{}
	p, delays := newTestProcessor(handler, rec)

	if !p.process(context.Background(), incompleteMessage(t)) {
		t.Fatal("message not reported as handled")
	}

	if handler.calls != 3 {
		t.Fatalf("handler calls = %d, want 3", handler.calls)
	}
	if len(rec.messages) != 0 {
		t.Fatalf("dead-lettered %d messages, want 0", len(rec.messages))
	}
	if got := *delays; len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Fatalf("backoff delays = %v, want [1s 2s]", got)
	}
	m := p.snapshot()
	if m.Processed != 1 || m.Succeeded != 1 || m.Retries != 2 || m.DeadLettered != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestProcessorDeadLettersAfterExhaustingRetries(t *testing.T) {
	handler := &scriptedHandler{errs: []error{errTransient, errTransient, errTransient, errTransient, errTransient}}
	rec := &recordingProducer{}
	p, delays := newTestProcessor(handler, rec)

	if !p.process(context.Background(), incompleteMessage(t)) {
		t.Fatal("message not reported as handled")
	}

	if handler.calls != 4 {
		t.Fatalf("handler calls = %d, want 4", handler.calls)
	}
	if got := *delays; len(got) != 3 || got[2] != 3*time.Second {
		t.Fatalf("backoff delays = %v, want capped at 3s", got)
	}
	if len(rec.messages) != 1 {
		t.Fatalf("dead-lettered %d messages, want 1", len(rec.messages))
	}
	msg := rec.messages[0]
	if msg.Topic != SettlementIncompleteDLQTopic {
		t.Errorf("topic = %s", msg.Topic)
	}
	if header(msg, "original_offset") != "41" || header(msg, "original_partition") != "2" {
		t.Errorf("original position headers = %s/%s", header(msg, "original_partition"), header(msg, "original_offset"))
	}
	var metadata MessageMetadata
	if err := json.Unmarshal([]byte(header(msg, "metadata")), &metadata); err != nil {
		t.Fatal(err)
	}
	if metadata.OriginalTopic != SettlementIncompleteTopic || metadata.ErrorMessage == "" {
		t.Errorf("metadata = %+v", metadata)
	}
	m := p.snapshot()
	if m.Failed != 1 || m.DeadLettered != 1 || m.Retries != 3 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestProcessorDoesNotRetryPermanentErrors(t *testing.T) {
	handler := &scriptedHandler{errs: []error{errors.New("order not found")}}
	rec := &recordingProducer{}
	p, delays := newTestProcessor(handler, rec)

	if !p.process(context.Background(), incompleteMessage(t)) {
		t.Fatal("message not reported as handled")
	}

	if handler.calls != 1 || len(*delays) != 0 {
		t.Fatalf("calls = %d delays = %v, want a single attempt", handler.calls, *delays)
	}
	if len(rec.messages) != 1 {
		t.Fatalf("dead-lettered %d messages, want 1", len(rec.messages))
	}
}

func TestProcessorDeadLettersUndecodableMessages(t *testing.T) {
	handler := &scriptedHandler{}
	rec := &recordingProducer{}
	p, _ := newTestProcessor(handler, rec)

	if !p.process(context.Background(), &sarama.ConsumerMessage{Topic: SettlementIncompleteTopic, Value: []byte("{not json")}) {
		t.Fatal("message not reported as handled")
	}

	if handler.calls != 0 {
		t.Fatalf("handler called %d times for undecodable message", handler.calls)
	}
	if len(rec.messages) != 1 {
		t.Fatalf("dead-lettered %d messages, want 1", len(rec.messages))
	}
}

func TestProcessorCarriesRetryCountIntoDLQ(t *testing.T) {
	handler := &scriptedHandler{errs: []error{errors.New("permanent")}}
	rec := &recordingProducer{}
	p, _ := newTestProcessor(handler, rec)

	msg := incompleteMessage(t)
	msg.Headers = []*sarama.RecordHeader{{Key: []byte("retry_count"), Value: []byte("2")}}
	p.process(context.Background(), msg)

	var metadata MessageMetadata
	if err := json.Unmarshal([]byte(header(rec.messages[0], "metadata")), &metadata); err != nil {
		t.Fatal(err)
	}
	if metadata.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", metadata.RetryCount)
	}
}

func TestProcessorStopsOnShutdown(t *testing.T) {
	handler := &scriptedHandler{errs: []error{errTransient}}
	rec := &recordingProducer{}
	p, _ := newTestProcessor(handler, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.process(ctx, incompleteMessage(t)) {
		t.Fatal("message reported as handled, want it left for redelivery")
	}

	if len(rec.messages) != 0 {
		t.Fatalf("dead-lettered %d messages during shutdown", len(rec.messages))
	}
	if m := p.snapshot(); m.Failed != 0 || m.Succeeded != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestProcessorDLQSendFailure(t *testing.T) {
	handler := &scriptedHandler{errs: []error{errors.New("permanent")}}
	rec := &recordingProducer{err: sarama.ErrOutOfBrokers}
	p, _ := newTestProcessor(handler, rec)

	if p.process(context.Background(), incompleteMessage(t)) {
		t.Fatal("message reported as handled, want it left for redelivery")
	}

	if m := p.snapshot(); m.Failed != 1 || m.DeadLettered != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

type markingSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *markingSession) Context() context.Context { return s.ctx }

func (s *markingSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.marked = append(s.marked, msg.Offset)
}

type channelClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *channelClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// cancellingHandler fails with a retryable error after cancelling the
// consumer session, as happens on a rebalance during a backoff.
type cancellingHandler struct {
	cancel context.CancelFunc
	calls  int
}

func (h *cancellingHandler) HandleSettlementIncomplete(ctx context.Context, event SettlementIncompleteEvent) error {
	h.calls++
	h.cancel()
	return errTransient
}

func (h *cancellingHandler) IsRetryable(err error) bool { return errors.Is(err, errTransient) }

func claimOf(msgs ...*sarama.ConsumerMessage) *channelClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &channelClaim{messages: ch}
}

func TestConsumeClaimMarksHandledMessages(t *testing.T) {
	p, _ := newTestProcessor(&scriptedHandler{}, &recordingProducer{})
	h := &consumerGroupHandlerWithRetry{processor: p, logger: quietLogger()}

	second := incompleteMessage(t)
	second.Offset = 42
	session := &markingSession{ctx: context.Background()}

	if err := h.ConsumeClaim(session, claimOf(incompleteMessage(t), second)); err != nil {
		t.Fatalf("ConsumeClaim() error = %v", err)
	}
	if len(session.marked) != 2 || session.marked[0] != 41 || session.marked[1] != 42 {
		t.Fatalf("marked offsets = %v, want [41 42]", session.marked)
	}
}

func TestConsumeClaimLeavesInterruptedMessageUnmarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := &cancellingHandler{cancel: cancel}
	rec := &recordingProducer{}
	p, _ := newTestProcessor(handler, rec)
	h := &consumerGroupHandlerWithRetry{processor: p, logger: quietLogger()}

	second := incompleteMessage(t)
	second.Offset = 42
	session := &markingSession{ctx: ctx}

	if err := h.ConsumeClaim(session, claimOf(incompleteMessage(t), second)); err != nil {
		t.Fatalf("ConsumeClaim() error = %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("marked offsets = %v, want none", session.marked)
	}
	if handler.calls != 1 {
		t.Fatalf("handler calls = %d, want 1", handler.calls)
	}
	if len(rec.messages) != 0 {
		t.Fatalf("dead-lettered %d messages during shutdown", len(rec.messages))
	}
}

func TestConsumeClaimStopsWhenDLQIsUnavailable(t *testing.T) {
	handler := &scriptedHandler{errs: []error{errors.New("permanent")}}
	p, _ := newTestProcessor(handler, &recordingProducer{err: sarama.ErrOutOfBrokers})
	h := &consumerGroupHandlerWithRetry{processor: p, logger: quietLogger()}

	second := incompleteMessage(t)
	second.Offset = 42
	session := &markingSession{ctx: context.Background()}

	if err := h.ConsumeClaim(session, claimOf(incompleteMessage(t), second)); err != nil {
		t.Fatalf("ConsumeClaim() error = %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("marked offsets = %v, want none", session.marked)
	}
	if handler.calls != 1 {
		t.Fatalf("handler calls = %d, want the claim to stop after the first message", handler.calls)
	}
}
