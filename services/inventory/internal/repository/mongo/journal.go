package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
)

// JournalCollection коллекция журнала событий резервов
const JournalCollection = "reservation_journal"

// JournalEntry документ журнала, одно событие жизненного цикла сессии
type JournalEntry struct {
	EventID           string        `bson:"_id"`
	EventType         string        `bson:"event_type"`
	SessionID         string        `bson:"session_id"`
	PreviousSessionID string        `bson:"previous_session_id,omitempty"`
	TotalQuantity     int           `bson:"total_quantity"`
	Lines             []JournalLine `bson:"lines"`
	OccurredAt        time.Time     `bson:"occurred_at"`
}

// JournalLine строка события (партия)
type JournalLine struct {
	BatchID     string `bson:"batch_id"`
	WarehouseID string `bson:"warehouse_id"`
	ItemName    string `bson:"item_name"`
	Quantity    int    `bson:"quantity"`
}

// Journal пишет события резервов в MongoDB (аудит). Реализует service.EventSink.
type Journal struct {
	col *mongo.Collection
}

// NewJournal создаёт журнал и индекс (session_id, occurred_at)
func NewJournal(ctx context.Context, client *mongo.Client, dbName string) (*Journal, error) {
	col := client.Database(dbName).Collection(JournalCollection)

	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "occurred_at", Value: 1}},
	}
	if _, err := col.Indexes().CreateOne(ctx, indexModel); err != nil {
		return nil, fmt.Errorf("create journal index: %w", err)
	}

	return &Journal{col: col}, nil
}

// Publish сохраняет событие. Повторная запись того же event_id игнорируется.
func (j *Journal) Publish(ctx context.Context, event service.ReservationEvent) error {
	_, err := j.col.InsertOne(ctx, toEntry(event))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// History возвращает события сессии по времени. Переносы ищутся и по previous_session_id.
func (j *Journal) History(ctx context.Context, sessionID string, limit int64) ([]JournalEntry, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"session_id": sessionID},
		bson.M{"previous_session_id": sessionID},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cur, err := j.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find journal entries: %w", err)
	}
	defer cur.Close(ctx)

	var out []JournalEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode journal entries: %w", err)
	}
	return out, nil
}

func toEntry(event service.ReservationEvent) JournalEntry {
	lines := make([]JournalLine, 0, len(event.Lines))
	for _, l := range event.Lines {
		lines = append(lines, JournalLine{
			BatchID:     l.BatchID,
			WarehouseID: l.WarehouseID,
			ItemName:    l.ItemName,
			Quantity:    l.Quantity,
		})
	}
	return JournalEntry{
		EventID:           event.EventID,
		EventType:         string(event.Type),
		SessionID:         event.SessionID,
		PreviousSessionID: event.PreviousSessionID,
		TotalQuantity:     event.TotalQuantity(),
		Lines:             lines,
		OccurredAt:        event.OccurredAt,
	}
}
