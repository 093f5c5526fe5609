package kafka

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config содержит конфигурацию для подключения к Kafka
type Config struct {
	// Enabled выключает producer/consumer целиком (например, для локального запуска без брокера)
	Enabled bool `env:"KAFKA_ENABLED" envDefault:"false"`
	// Brokers список брокеров через запятую.
	// Локально (go run): localhost:19092, в Docker: kafka:9092
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	// GroupID consumer group для входящих событий
	GroupID string `env:"KAFKA_GROUP_ID" envDefault:"inventory-service"`
	// PaymentTopic топик с исходами оплаты/чекаута
	PaymentTopic string `env:"KAFKA_PAYMENT_TOPIC" envDefault:"payment.events"`
	// ReservationTopic топик для событий жизненного цикла резервов
	ReservationTopic string `env:"KAFKA_RESERVATION_TOPIC" envDefault:"inventory.reservations"`
	// DLQTopic топик для сообщений, которые не удалось обработать
	DLQTopic string `env:"KAFKA_DLQ_TOPIC" envDefault:"payment.events.dlq"`
	// MaxAttempts попыток обработки сообщения до отправки в DLQ
	MaxAttempts int `env:"KAFKA_MAX_ATTEMPTS" envDefault:"3"`
	// BackoffBase базовая задержка ретрая (1s, 2s, 4s, ...)
	BackoffBase time.Duration `env:"KAFKA_BACKOFF_BASE" envDefault:"1s"`
}

// LoadEnv загружает конфигурацию из переменных окружения (caarlos0/env).
// defaultBrokers подставляется, если KAFKA_BROKERS не задан.
func LoadEnv(defaultBrokers []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = defaultBrokers
	}
	return cfg, nil
}
