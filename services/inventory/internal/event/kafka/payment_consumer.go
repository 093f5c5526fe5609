package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	platformkafka "github.com/shestoi/GoBigTech/platform/kafka"
	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
)

// Типы входящих событий чекаута/оплаты
const (
	EventPaymentSucceeded  = "payment.succeeded"
	EventPaymentFailed     = "payment.failed"
	EventCheckoutExpired   = "checkout.expired"
	EventCheckoutCancelled = "checkout.cancelled"
)

// ReservationHandler операции над резервами, которые вызывает consumer
type ReservationHandler interface {
	Confirm(ctx context.Context, sessionID string) (int, error)
	Release(ctx context.Context, sessionID string) (int, error)
}

// deadLetterer отправка необработанного сообщения в DLQ
type deadLetterer interface {
	Publish(ctx context.Context, originalMessage kafka.Message, originalErr error, eventType, eventID, sessionID string) error
}

// PaymentOutcomeEvent исход оплаты или чекаута по сессии
type PaymentOutcomeEvent struct {
	EventID      string
	EventType    string
	EventVersion int
	OccurredAt   time.Time
	SessionID    string
}

// PaymentOutcomeConsumer подтверждает или освобождает резервы по событиям оплаты
type PaymentOutcomeConsumer struct {
	logger       *zap.Logger
	reader       messageReader
	handler      ReservationHandler
	dlqPublisher deadLetterer
	maxAttempts  int
	backoffBase  time.Duration
}

// NewPaymentOutcomeConsumer создаёт consumer исходов оплаты
func NewPaymentOutcomeConsumer(
	logger *zap.Logger,
	cfg platformkafka.Config,
	handler ReservationHandler,
	dlqPublisher *DLQPublisher,
) *PaymentOutcomeConsumer {
	return newPaymentOutcomeConsumer(
		logger,
		platformkafka.NewReader(cfg.Brokers, cfg.GroupID, cfg.PaymentTopic),
		handler,
		dlqPublisher,
		cfg.MaxAttempts,
		cfg.BackoffBase,
	)
}

func newPaymentOutcomeConsumer(
	logger *zap.Logger,
	reader messageReader,
	handler ReservationHandler,
	dlq deadLetterer,
	maxAttempts int,
	backoffBase time.Duration,
) *PaymentOutcomeConsumer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &PaymentOutcomeConsumer{
		logger:       logger,
		reader:       reader,
		handler:      handler,
		dlqPublisher: dlq,
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
	}
}

// Start запускает consumer.
// At-least-once: FetchMessage + CommitMessages после обработки. Confirm/Release идемпотентны.
func (c *PaymentOutcomeConsumer) Start(ctx context.Context) error {
	c.logger.Info("starting kafka consumer",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group_id", c.reader.Config().GroupID),
		zap.Int("max_retry_attempts", c.maxAttempts),
		zap.Duration("retry_backoff_base", c.backoffBase),
	)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer context cancelled, stopping")
				return nil
			}
			c.logger.Error("failed to fetch message from kafka", zap.Error(err))
			continue
		}

		if !c.processMessage(ctx, m) {
			continue
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit message offset",
				zap.Error(err),
				zap.String("topic", m.Topic),
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
			)
			continue
		}

		c.logger.Debug("message offset committed",
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
		)
	}
}

// processMessage обрабатывает одно сообщение.
// Возвращает true, если offset можно коммитить.
func (c *PaymentOutcomeConsumer) processMessage(ctx context.Context, m kafka.Message) bool {
	var payload map[string]interface{}
	if err := json.Unmarshal(m.Value, &payload); err != nil {
		c.logger.Error("failed to unmarshal kafka message",
			zap.Error(err),
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
		)
		return c.deadLetter(m, err, "", "", "")
	}

	event, err := parsePaymentOutcomeEvent(payload)
	if err != nil {
		c.logger.Error("failed to parse payment outcome event",
			zap.Error(err),
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
		)
		eventType, _ := payload["event_type"].(string)
		eventID, _ := payload["event_id"].(string)
		return c.deadLetter(m, err, eventType, eventID, "")
	}

	action := c.actionFor(event.EventType)
	if action == nil {
		c.logger.Debug("skipping unrelated event",
			zap.String("event_type", event.EventType),
			zap.String("session_id", event.SessionID),
		)
		return true
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, platformobservability.NewKafkaHeaderCarrier(&m.Headers))

	c.logger.Info("received payment outcome event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("session_id", event.SessionID),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
	)

	if !c.handleWithRetry(ctx, event, action) {
		if ctx.Err() != nil {
			// сообщение перечитается после рестарта
			return false
		}
		c.logger.Error("failed to handle payment outcome event after all retries, sending to DLQ",
			zap.String("session_id", event.SessionID),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
		)
		return c.deadLetter(m, fmt.Errorf("exhausted all retry attempts"), event.EventType, event.EventID, event.SessionID)
	}

	c.logger.Info("payment outcome event processed successfully",
		zap.String("event_type", event.EventType),
		zap.String("session_id", event.SessionID),
	)
	return true
}

type reservationAction func(ctx context.Context, sessionID string) (int, error)

func (c *PaymentOutcomeConsumer) actionFor(eventType string) reservationAction {
	switch eventType {
	case EventPaymentSucceeded:
		return c.handler.Confirm
	case EventPaymentFailed, EventCheckoutExpired, EventCheckoutCancelled:
		return c.handler.Release
	default:
		return nil
	}
}

// handleWithRetry вызывает action с экспоненциальным backoff.
// Возвращает false при исчерпании попыток или отмене контекста.
func (c *PaymentOutcomeConsumer) handleWithRetry(ctx context.Context, event PaymentOutcomeEvent, action reservationAction) bool {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoffBase * time.Duration(1<<uint(attempt-2))
			c.logger.Info("retrying payment outcome event",
				zap.String("session_id", event.SessionID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.maxAttempts),
				zap.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}

		n, err := action(ctx, event.SessionID)
		if err == nil {
			c.logger.Debug("reservations handled",
				zap.String("session_id", event.SessionID),
				zap.Int("locks", n),
				zap.Int("attempt", attempt),
			)
			return true
		}

		lastErr = err
		c.logger.Warn("failed to handle payment outcome event",
			zap.Error(err),
			zap.String("session_id", event.SessionID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
		)
	}

	c.logger.Error("exhausted all retry attempts",
		zap.Error(lastErr),
		zap.String("session_id", event.SessionID),
		zap.Int("max_attempts", c.maxAttempts),
	)
	return false
}

func (c *PaymentOutcomeConsumer) deadLetter(m kafka.Message, cause error, eventType, eventID, sessionID string) bool {
	if err := c.dlqPublisher.Publish(context.Background(), m, cause, eventType, eventID, sessionID); err != nil {
		c.logger.Error("failed to publish to DLQ, not committing", zap.Error(err))
		return false
	}
	return true
}

// parsePaymentOutcomeEvent преобразует payload в PaymentOutcomeEvent
func parsePaymentOutcomeEvent(payload map[string]interface{}) (PaymentOutcomeEvent, error) {
	event := PaymentOutcomeEvent{}

	if v, ok := payload["event_id"].(string); ok {
		event.EventID = v
	}
	if v, ok := payload["event_type"].(string); ok && v != "" {
		event.EventType = v
	} else {
		return event, &ParseError{Field: "event_type", Message: "event_type is required"}
	}
	if v, ok := payload["event_version"].(float64); ok {
		event.EventVersion = int(v)
	}
	if v, ok := payload["occurred_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			event.OccurredAt = t
		}
	}
	if v, ok := payload["session_id"].(string); ok && v != "" {
		event.SessionID = v
	} else {
		return event, &ParseError{Field: "session_id", Message: "session_id is required"}
	}

	return event, nil
}

// Close закрывает Kafka reader
func (c *PaymentOutcomeConsumer) Close() error {
	c.logger.Info("closing kafka consumer")
	return c.reader.Close()
}
