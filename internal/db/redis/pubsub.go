package redis

import (
	"context"

	"github.com/redis/rueidis"

	"github.com/meterlane/paygent/internal/db"
)

// Publish sends a message on the given channel.
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	cmd := s.b().Publish().Channel(channel).Message(message).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpPublish, Err: err}
	}
	return nil
}

// Subscribe blocks on the channel until ctx is cancelled, invoking fn for
// every received message. rueidis dedicates a connection for the duration.
func (s *Store) Subscribe(ctx context.Context, channel string, fn func(message string)) error {
	cmd := s.b().Subscribe().Channel(channel).Build()
	err := s.client.Receive(ctx, cmd, func(m rueidis.PubSubMessage) {
		fn(m.Message)
	})
	if err != nil && ctx.Err() != nil {
		// Cancelled subscriptions are a normal teardown path.
		return nil
	}
	if err != nil {
		return &db.Error{Op: db.OpSubscribe, Err: err}
	}
	return nil
}
