// Package bus consumes trading signals from NATS. The subscription uses a
// queue group so multiple engine instances compete for each message;
// delivery is at least once and the aggregator's window-level de-dup
// absorbs redeliveries.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/aggregator"
	"petrosa-tradeengine/internal/signal"
)

// Subject and queue group for inbound signals.
const (
	SignalSubject = "signals.trading"
	QueueGroup    = "petrosa-tradeengine"
)

// Consumer subscribes to the signal subject and feeds the aggregator.
type Consumer struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	agg    *aggregator.Aggregator
	logger zerolog.Logger
}

// Connect dials NATS with reconnect enabled.
func Connect(url string, agg *aggregator.Aggregator, logger zerolog.Logger) (*Consumer, error) {
	log := logger.With().Str("component", "SignalConsumer").Logger()
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", url).Msg("Connected to NATS")
	return &Consumer{conn: conn, agg: agg, logger: log}, nil
}

// Start subscribes to the signal subject. Handlers run on the NATS
// dispatch goroutine; the aggregator hands dispatch off internally so the
// handler never blocks on the venue.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.conn.QueueSubscribe(SignalSubject, QueueGroup, func(msg *nats.Msg) {
		var sig signal.Signal
		if err := json.Unmarshal(msg.Data, &sig); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping undecodable signal message")
			return
		}
		c.agg.Submit(ctx, &sig, "nats")
	})
	if err != nil {
		return err
	}
	c.sub = sub
	c.logger.Info().Str("subject", SignalSubject).Str("queue", QueueGroup).Msg("Subscribed for signals")
	return nil
}

// Close drains the subscription so in-flight messages finish, then closes
// the connection.
func (c *Consumer) Close() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Msg("Subscription drain failed")
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
