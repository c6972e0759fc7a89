package changefeed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pot-code/progress-sync/internal/infrastructure/logging"
)

// Redis Feed over redis pub/sub, shared by every process of a deployment
type Redis struct {
	rdb *redis.Client
}

var _ Feed = &Redis{}

// NewRedis .
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func channelName(userID string) string {
	return "progress-changes:" + userID
}

// Publish .
func (r *Redis) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channelName(c.UserID), payload).Err()
}

// Subscribe .
func (r *Redis) Subscribe(ctx context.Context, userID string) (<-chan Change, func(), error) {
	ps := r.rdb.Subscribe(ctx, channelName(userID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, err
	}

	logger := logging.ExtractLoggerFromContext(ctx)
	out := make(chan Change, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					logger.Warn("malformed change event", zap.Error(err), zap.String("redis.channel", msg.Channel))
					continue
				}
				select {
				case out <- c:
				default:
				}
			}
		}
	}()
	return out, cancel, nil
}
