package events

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/model"
)

func TestNewKafkaPublisher_WriterConfig(t *testing.T) {
	p := NewKafkaPublisher([]string{"b1:9092", "b2:9092"}, "paper.orders")
	defer p.Close()

	w := p.writer
	assert.Equal(t, "paper.orders", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer, "keyed by user so fills stay ordered")
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.LessOrEqual(t, w.BatchTimeout, 10*time.Millisecond, "a single fill must not wait for a full batch")
	assert.False(t, w.Async)
}

func TestKafkaPublisher_PublishFailsWithoutBroker(t *testing.T) {
	// Grab a free port, then close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := NewKafkaPublisher([]string{addr}, "paper.orders")
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	ev := NewOrderFilled(&model.Order{
		ID: "o1", UserID: "u1", Code: "AAPL", Market: model.MarketUS, Side: model.SideBuy,
		Quantity: 1, Price: decimal.NewFromInt(190), FilledAt: now,
	}, &model.Trade{ID: "t1", OrderID: "o1"})

	err = p.Publish(ctx, ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka publish o1")
}
