package redis

import (
	"context"
	"encoding/json"
	"sync"

	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fastygo/taskboard/domain"
	"github.com/fastygo/taskboard/repository"
)

type changeFeed struct {
	client  *redislib.Client
	channel string
	logger  *zap.Logger
}

// NewChangeFeed creates a Redis pub/sub backed change stream.
func NewChangeFeed(client *redislib.Client, channel string, logger *zap.Logger) repository.ChangeFeed {
	if channel == "" {
		channel = "tasks-changes"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &changeFeed{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

func (f *changeFeed) Publish(ctx context.Context, event domain.ChangeEvent) error {
	event.Task = event.Task.Remote()
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, payload).Err()
}

func (f *changeFeed) Subscribe(ctx context.Context, onChange repository.ChangeHandler) (repository.ChangeSubscription, error) {
	if onChange == nil {
		return nil, domain.ErrInvalidPayload
	}
	pubsub := f.client.Subscribe(ctx, f.channel)
	// Wait for the subscription confirmation so callers know the stream is live.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var event domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				f.logger.Warn("discarding malformed change event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			onChange(event)
		}
	}()
	return sub, nil
}

type subscription struct {
	pubsub *redislib.PubSub
	done   chan struct{}
	once   sync.Once
	err    error
}

// Close unsubscribes and waits for the delivery goroutine to finish.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}
