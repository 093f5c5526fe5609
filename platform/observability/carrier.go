package observability

import (
	"github.com/segmentio/kafka-go"
)

// kafkaHeaderCarrier адаптирует заголовки kafka.Message к propagation.TextMapCarrier
type kafkaHeaderCarrier struct {
	headers *[]kafka.Header
}

// NewKafkaHeaderCarrier создаёт carrier поверх заголовков сообщения (Inject дописывает, Extract читает)
func NewKafkaHeaderCarrier(headers *[]kafka.Header) *kafkaHeaderCarrier {
	if *headers == nil {
		*headers = []kafka.Header{}
	}
	return &kafkaHeaderCarrier{headers: headers}
}

// Get возвращает значение первого заголовка с ключом
func (c *kafkaHeaderCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set заменяет заголовок или добавляет новый
func (c *kafkaHeaderCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys возвращает ключи всех заголовков
func (c *kafkaHeaderCarrier) Keys() []string {
	out := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		out = append(out, h.Key)
	}
	return out
}
