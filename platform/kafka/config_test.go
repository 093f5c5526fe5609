package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEnv_Defaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := LoadEnv([]string{"localhost:19092"})
	require.NoError(t, err)
	require.False(t, cfg.Enabled)
	require.Equal(t, []string{"localhost:19092"}, cfg.Brokers)
	require.Equal(t, "payment.events", cfg.PaymentTopic)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, time.Second, cfg.BackoffBase)
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")
	t.Setenv("KAFKA_GROUP_ID", "inv-test")

	cfg, err := LoadEnv([]string{"localhost:19092"})
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
	require.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Brokers)
	require.Equal(t, "inv-test", cfg.GroupID)
}
