package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurring-engine/recurrence"
)

type sent struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	sent []sent
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{exchange: exchange, key: key, msg: msg})
	return nil
}

var fixed = time.Date(2024, time.March, 1, 8, 0, 0, 0, time.UTC)

func newTestPublisher(ch channel) *Publisher {
	p := newPublisher(ch, "recurring", zerolog.Nop())
	p.now = func() time.Time { return fixed }
	return p
}

func TestPublisher_OccurrencesGenerated(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)

	tx := recurrence.Transaction{
		ID: "t1", SeriesID: "s1", Owner: "alice", Description: "Rent",
		Amount: decimal.RequireFromString("1200.50"), Type: recurrence.Expense,
		Periodicity: recurrence.Monthly, Date: recurrence.NewDate(2024, time.February, 29),
	}
	require.NoError(t, p.OccurrencesGenerated(context.Background(), []recurrence.Transaction{tx, tx}))

	require.Len(t, ch.sent, 2)
	first := ch.sent[0]
	assert.Equal(t, "recurring", first.exchange)
	assert.Equal(t, KeyOccurrenceGenerated, first.key)
	assert.Equal(t, "application/json", first.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, first.msg.DeliveryMode)

	var msg OccurrenceMessage
	require.NoError(t, json.Unmarshal(first.msg.Body, &msg))
	assert.Equal(t, "s1", msg.SeriesID)
	assert.Equal(t, "2024-02-29", msg.Date)
	assert.Equal(t, "1200.5", msg.Amount)
	assert.Equal(t, "MONTHLY", msg.Periodicity)
	assert.True(t, msg.Timestamp.Equal(fixed))
}

func TestPublisher_SeriesCancelled(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)

	err := p.SeriesCancelled(context.Background(), recurrence.CancelResult{
		SeriesID: "s1", Owner: "alice", AsOf: recurrence.NewDate(2024, time.March, 1), Deleted: 3,
	})
	require.NoError(t, err)

	require.Len(t, ch.sent, 1)
	assert.Equal(t, KeySeriesCancelled, ch.sent[0].key)
	var msg CancellationMessage
	require.NoError(t, json.Unmarshal(ch.sent[0].msg.Body, &msg))
	assert.Equal(t, "2024-03-01", msg.AsOf)
	assert.Equal(t, 3, msg.Deleted)
}

func TestPublisher_PropagatesBrokerErrors(t *testing.T) {
	p := newTestPublisher(&fakeChannel{err: amqp091.ErrClosed})

	err := p.SeriesCancelled(context.Background(), recurrence.CancelResult{SeriesID: "s1"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, amqp091.ErrClosed))
	assert.Contains(t, err.Error(), KeySeriesCancelled)
}
