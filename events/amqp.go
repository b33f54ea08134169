// Package events publishes engine events to an AMQP topic exchange.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/warp/recurring-engine/recurrence"
)

const publishTimeout = 5 * time.Second

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Publisher implements recurrence.Publisher over AMQP.
type Publisher struct {
	conn     *amqp091.Connection
	channel  channel
	exchange string
	log      zerolog.Logger
	now      func() time.Time
}

var _ recurrence.Publisher = (*Publisher)(nil)

// Dial connects to the broker and declares a durable topic exchange.
func Dial(url, exchange string, log zerolog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newPublisher(ch, exchange, log)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, log zerolog.Logger) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		log:      log.With().Str("component", "events").Logger(),
		now:      time.Now,
	}
}

// OccurrencesGenerated publishes one message per created occurrence. It
// stops at the first failure.
func (p *Publisher) OccurrencesGenerated(ctx context.Context, created []recurrence.Transaction) error {
	for _, tx := range created {
		body, err := NewOccurrenceMessage(tx, p.now()).ToJSON()
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := p.publish(ctx, KeyOccurrenceGenerated, body); err != nil {
			return err
		}
	}
	p.log.Debug().Int("count", len(created)).Msg("published occurrences")
	return nil
}

func (p *Publisher) SeriesCancelled(ctx context.Context, r recurrence.CancelResult) error {
	body, err := NewCancellationMessage(r, p.now()).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.publish(ctx, KeySeriesCancelled, body); err != nil {
		return err
	}
	p.log.Debug().Str("series_id", string(r.SeriesID)).Msg("published cancellation")
	return nil
}

func (p *Publisher) publish(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := p.channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    p.now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if ch, ok := p.channel.(*amqp091.Channel); ok && ch != nil {
		ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
