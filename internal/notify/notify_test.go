package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(exchange, key, msg)
	return args.Error(0)
}

func (m *mockPublisher) Close() error { return nil }

type failingNotifier struct{}

func (failingNotifier) Channel() Channel                       { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error { return errors.New("down") }

func TestAMQPNotifierPublishesToRoutingKey(t *testing.T) {
	pub := new(mockPublisher)
	n := &AMQPNotifier{ch: pub, exchange: "wallet.ui"}
	event := Event{Action: ActionOpen, Reason: "sign", RequestID: "1.x", Pending: 1, OccurredAt: time.Unix(100, 0)}

	pub.On("PublishWithContext", "wallet.ui", "approval.open", mock.MatchedBy(func(msg amqp.Publishing) bool {
		var got Event
		if err := json.Unmarshal(msg.Body, &got); err != nil {
			return false
		}
		return msg.ContentType == "application/json" && got.RequestID == "1.x" && got.Action == ActionOpen
	})).Return(nil).Once()

	require.NoError(t, n.Notify(context.Background(), event))
	pub.AssertExpectations(t)
}

func TestFanoutJoinsErrorsAndKeepsDelivering(t *testing.T) {
	rec := &Recorder{}
	f := NewFanout(rec, failingNotifier{}, nil)

	err := f.Notify(context.Background(), Event{Action: ActionClose})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel broken")
	assert.Equal(t, []Action{ActionClose}, rec.Actions())
}

func TestNilFanoutIsNoop(t *testing.T) {
	var f *Fanout
	assert.NoError(t, f.Notify(context.Background(), Event{}))
}

func TestNewAMQPNotifierRequiresURL(t *testing.T) {
	_, err := NewAMQPNotifier(AMQPConfig{})
	assert.Error(t, err)
}
