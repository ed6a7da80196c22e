//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/testcontainers/testcontainers-go/wait"
)

type AMQPIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *rabbitmq.RabbitMQContainer
	amqpURL   string
	logger    *slog.Logger
}

func (s *AMQPIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	container, err := rabbitmq.Run(s.ctx,
		"rabbitmq:3.13-management-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server startup complete").
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	s.amqpURL, err = container.AmqpURL(s.ctx)
	s.Require().NoError(err)
}

func (s *AMQPIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestAMQPIntegrationSuite(t *testing.T) {
	suite.Run(t, new(AMQPIntegrationSuite))
}

func (s *AMQPIntegrationSuite) TestPublishSyncEvent() {
	cfg := AMQPConfig{
		URL:        s.amqpURL,
		Exchange:   "watchledger-test",
		RoutingKey: "sync.completed",
		QueueName:  "watchledger-test-events",
	}

	pub, err := NewAMQP(cfg, s.logger)
	s.Require().NoError(err)
	defer pub.Close()

	ev := Event{
		RunID:      "3f0e5a4c-7b6d-4e1a-9c55-1d2b3c4d5e6f",
		Source:     "local",
		Target:     "remote",
		Synced:     12,
		Conflicts:  2,
		StartedAt:  time.Now().UTC().Truncate(time.Millisecond),
		DurationMs: 840,
	}
	s.Require().NoError(pub.Publish(s.ctx, ev))

	msg := s.consumeMessage(cfg.QueueName)
	s.Require().NotNil(msg)
	s.Equal("application/json", msg.ContentType)
	s.Equal(ev.RunID, msg.MessageId)
	s.Equal(uint8(amqp.Persistent), msg.DeliveryMode)

	var received Event
	s.Require().NoError(json.Unmarshal(msg.Body, &received))
	s.Equal(ev, received)
}

func (s *AMQPIntegrationSuite) consumeMessage(queue string) *amqp.Delivery {
	conn, err := amqp.Dial(s.amqpURL)
	s.Require().NoError(err)
	defer conn.Close()

	ch, err := conn.Channel()
	s.Require().NoError(err)
	defer ch.Close()

	msgs, err := ch.Consume(queue, "", true, false, false, false, nil)
	s.Require().NoError(err)

	select {
	case msg := <-msgs:
		return &msg
	case <-time.After(5 * time.Second):
		s.Fail("timeout waiting for message")
		return nil
	}
}
