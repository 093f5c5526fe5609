// Package main отправляет тестовое событие исхода оплаты в топик, который слушает inventory.
//
// Нужен для локальной проверки подтверждения/освобождения резервов без payment сервиса:
//
//	go run ./cmd/kafka-playground -session cs_123 -type payment.succeeded
//
// Брокеры и топик берутся из KAFKA_BROKERS и KAFKA_PAYMENT_TOPIC (platform/kafka).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	platformkafka "github.com/shestoi/GoBigTech/platform/kafka"
	platformlogging "github.com/shestoi/GoBigTech/platform/logging"
)

func main() {
	sessionID := flag.String("session", "", "checkout session id (required)")
	eventType := flag.String("type", "payment.succeeded", "payment.succeeded | payment.failed | checkout.expired | checkout.cancelled")
	flag.Parse()

	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "kafka-playground",
		Env:         "local",
		Level:       "info",
		Format:      "console",
		AddCaller:   true,
	})
	if err != nil {
		os.Stderr.WriteString("Failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer platformlogging.Sync(logger)

	if *sessionID == "" {
		logger.Error("-session is required")
		os.Exit(2)
	}

	cfg, err := platformkafka.LoadEnv([]string{"localhost:19092"})
	if err != nil {
		logger.Error("failed to load kafka config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("kafka config loaded",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.PaymentTopic),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	writer := platformkafka.NewWriter(cfg.Brokers, cfg.PaymentTopic)
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error("failed to close kafka writer", zap.Error(err))
		}
	}()

	payload, err := json.Marshal(map[string]interface{}{
		"event_id":      uuid.New().String(),
		"event_type":    *eventType,
		"event_version": 1,
		"occurred_at":   time.Now().UTC().Format(time.RFC3339),
		"session_id":    *sessionID,
	})
	if err != nil {
		logger.Error("failed to marshal event", zap.Error(err))
		os.Exit(1)
	}

	if err := writer.WriteMessages(ctx, kafka.Message{Key: []byte(*sessionID), Value: payload}); err != nil {
		logger.Error("failed to send message to kafka", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("payment outcome event sent",
		zap.String("event_type", *eventType),
		zap.String("session_id", *sessionID),
	)
}
