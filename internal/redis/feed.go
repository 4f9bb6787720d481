package redisclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ChangesChannel is where cache writers announce appointment changes.
const ChangesChannel = "appointments:changes"

// Feed is a pub/sub channel shared by every process using the same cache.
type Feed struct {
	client  *redis.Client
	channel string
}

func NewFeed(client *redis.Client, channel string) *Feed {
	if channel == "" {
		channel = ChangesChannel
	}
	return &Feed{client: client, channel: channel}
}

func (f *Feed) Publish(ctx context.Context, payload []byte) error {
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", f.channel, err)
	}
	return nil
}

// Listen calls fn for each message until ctx is done or stop is called. The
// subscription is confirmed before Listen returns.
func (f *Feed) Listen(ctx context.Context, fn func(payload []byte)) (func(), error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	msgs := sub.Channel()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				fn([]byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = sub.Close()
			<-done
		})
	}, nil
}
