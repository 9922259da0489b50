package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if mockArgs.Get(0) != nil {
		cmd.SetErr(mockArgs.Error(0))
	} else {
		cmd.SetVal("1234567890-0")
	}
	return cmd
}

func (m *MockRedisClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	args := m.Called(ctx, id, err)
	return args.Error(0)
}

func (m *MockOutboxRepository) CountByStatus(ctx context.Context, statuses ...string) (int64, error) {
	args := m.Called(ctx, statuses)
	return args.Get(0).(int64), args.Error(1)
}

func savedEvent(recordID string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: AggregateProductRecord,
		AggregateID:   recordID,
		EventType:     EventRecordSaved,
		Payload:       json.RawMessage(`{"record_id":"` + recordID + `","site":"Flipkart","title":"Phone A","price":"₹9,999"}`),
		TargetStream:  DefaultStream,
		CreatedAt:     time.Now(),
	}
}

func newTestRelay(outbox OutboxRepo, redisClient RedisClient) *Relay {
	return newRelay(outbox, redisClient, slog.Default(), RelayConfig{BatchSize: 10})
}

func TestRelay_ProcessEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and marks every event", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockOutbox, mockRedis)

		events := []*OutboxEvent{savedEvent("rec-1"), savedEvent("rec-2")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		for _, event := range events {
			event := event
			mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == DefaultStream &&
					args.Values.(map[string]interface{})["event_type"] == EventRecordSaved &&
					args.Values.(map[string]interface{})["aggregate_id"] == event.AggregateID
			})).Return(nil)
			mockOutbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		n, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("marks the event failed when redis rejects it", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockOutbox, mockRedis)

		event := savedEvent("rec-1")
		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		mockRedis.On("XAdd", ctx, mock.Anything).Return(errors.New("redis connection failed"))
		mockOutbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to redis: redis connection failed"
		})).Return(nil)

		_, err := relay.processEvents(ctx)
		assert.NoError(t, err)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("empty batch does not touch redis", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockOutbox, mockRedis)

		mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil)

		n, err := relay.processEvents(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		mockRedis.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("continues after a single failure", func(t *testing.T) {
		mockRedis := new(MockRedisClient)
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockOutbox, mockRedis)

		events := []*OutboxEvent{savedEvent("rec-1"), savedEvent("rec-2")}
		mockOutbox.On("GetPending", ctx, 10).Return(events, nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]interface{})["aggregate_id"] == "rec-1"
		})).Return(errors.New("redis error"))
		mockOutbox.On("MarkFailed", ctx, events[0].ID, mock.Anything).Return(nil)

		mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]interface{})["aggregate_id"] == "rec-2"
		})).Return(nil)
		mockOutbox.On("MarkProcessed", ctx, events[1].ID).Return(nil)

		_, err := relay.processEvents(ctx)
		require.NoError(t, err)

		mockRedis.AssertExpectations(t)
		mockOutbox.AssertExpectations(t)
	})

	t.Run("reports repository errors", func(t *testing.T) {
		mockOutbox := new(MockOutboxRepository)
		relay := newTestRelay(mockOutbox, new(MockRedisClient))

		mockOutbox.On("GetPending", ctx, 10).Return(nil, errors.New("connection refused"))

		_, err := relay.processEvents(ctx)
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestRelay_PublishToRedis(t *testing.T) {
	ctx := context.Background()

	mockRedis := new(MockRedisClient)
	relay := newRelay(new(MockOutboxRepository), mockRedis, slog.Default(), RelayConfig{Source: "shop-scraper-test"})
	event := savedEvent("rec-1")

	mockRedis.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
		val, ok := args.Values.(map[string]interface{})["data"].(string)
		if !ok {
			return false
		}

		var data map[string]interface{}
		if err := json.Unmarshal([]byte(val), &data); err != nil {
			return false
		}

		payload, ok := data["payload"].(map[string]interface{})
		if !ok {
			return false
		}
		metadata, ok := data["metadata"].(map[string]interface{})
		if !ok {
			return false
		}

		return data["id"] == event.ID.String() &&
			data["type"] == EventRecordSaved &&
			data["aggregate_type"] == AggregateProductRecord &&
			data["aggregate_id"] == "rec-1" &&
			data["timestamp"] != nil &&
			payload["title"] == "Phone A" &&
			metadata["source"] == "shop-scraper-test"
	})).Return(nil)

	require.NoError(t, relay.publishToRedis(ctx, event))
	mockRedis.AssertExpectations(t)

	bad := savedEvent("rec-2")
	bad.Payload = json.RawMessage(`not json`)
	assert.ErrorContains(t, relay.publishToRedis(ctx, bad), "failed to unmarshal payload")
}

func TestRelay_Drain(t *testing.T) {
	ctx := context.Background()
	mockRedis := new(MockRedisClient)
	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(mockOutbox, mockRedis)

	first := []*OutboxEvent{savedEvent("rec-1"), savedEvent("rec-2")}
	second := []*OutboxEvent{savedEvent("rec-3")}

	mockOutbox.On("GetPending", ctx, 10).Return(first, nil).Once()
	mockOutbox.On("GetPending", ctx, 10).Return(second, nil).Once()
	mockOutbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{}, nil).Once()
	mockRedis.On("XAdd", ctx, mock.Anything).Return(nil)
	mockOutbox.On("MarkProcessed", ctx, mock.Anything).Return(nil)

	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mockRedis.AssertNumberOfCalls(t, "XAdd", 3)
	mockOutbox.AssertExpectations(t)
}

func TestRelay_Counts(t *testing.T) {
	ctx := context.Background()
	mockOutbox := new(MockOutboxRepository)
	relay := newTestRelay(mockOutbox, new(MockRedisClient))

	mockOutbox.On("CountByStatus", ctx, []string{OutboxStatusPending, OutboxStatusFailed}).Return(int64(4), nil)
	mockOutbox.On("CountByStatus", ctx, []string{OutboxStatusDeadLetter}).Return(int64(1), nil)

	pending, err := relay.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pending)

	dead, err := relay.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestRelay_Start(t *testing.T) {
	mockOutbox := new(MockOutboxRepository)
	relay := newRelay(mockOutbox, new(MockRedisClient), slog.Default(), RelayConfig{
		PollInterval: 50 * time.Millisecond,
		BatchSize:    10,
	})

	mockOutbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() {
		done <- relay.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}
