package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	platformkafka "github.com/shestoi/GoBigTech/platform/kafka"
	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
)

const reservationEventVersion = 1

// ReservationEventPublisher публикует события жизненного цикла резервов в Kafka.
// Реализует service.EventSink.
type ReservationEventPublisher struct {
	logger *zap.Logger
	writer messageWriter
	topic  string
}

// NewReservationEventPublisher создаёт publisher для топика резервов
func NewReservationEventPublisher(logger *zap.Logger, brokers []string, topic string) *ReservationEventPublisher {
	return &ReservationEventPublisher{
		logger: logger,
		writer: platformkafka.NewWriter(brokers, topic),
		topic:  topic,
	}
}

// Close закрывает Kafka writer
func (p *ReservationEventPublisher) Close() error {
	return p.writer.Close()
}

// Publish отправляет событие. Ключ сообщения - session_id, события одной сессии идут в одну партицию.
func (p *ReservationEventPublisher) Publish(ctx context.Context, event service.ReservationEvent) error {
	valueBytes, err := json.Marshal(reservationPayload(event))
	if err != nil {
		p.logger.Error("failed to marshal reservation event",
			zap.Error(err),
			zap.String("session_id", event.SessionID),
		)
		return err
	}

	message := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: valueBytes,
	}
	otel.GetTextMapPropagator().Inject(ctx, platformobservability.NewKafkaHeaderCarrier(&message.Headers))

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.logger.Error("failed to publish reservation event",
			zap.Error(err),
			zap.String("topic", p.topic),
			zap.String("event_type", string(event.Type)),
			zap.String("session_id", event.SessionID),
		)
		return err
	}

	p.logger.Info("reservation event published",
		zap.String("topic", p.topic),
		zap.String("event_type", string(event.Type)),
		zap.String("session_id", event.SessionID),
		zap.Int("quantity", event.TotalQuantity()),
	)
	return nil
}

func reservationPayload(event service.ReservationEvent) map[string]interface{} {
	lines := make([]map[string]interface{}, 0, len(event.Lines))
	for _, l := range event.Lines {
		lines = append(lines, map[string]interface{}{
			"batch_id":     l.BatchID,
			"warehouse_id": l.WarehouseID,
			"item_name":    l.ItemName,
			"quantity":     l.Quantity,
		})
	}

	payload := map[string]interface{}{
		"event_id":       event.EventID,
		"event_type":     string(event.Type),
		"event_version":  reservationEventVersion,
		"occurred_at":    event.OccurredAt.UTC().Format(time.RFC3339),
		"session_id":     event.SessionID,
		"total_quantity": event.TotalQuantity(),
		"lines":          lines,
	}
	if event.PreviousSessionID != "" {
		payload["previous_session_id"] = event.PreviousSessionID
	}
	return payload
}
