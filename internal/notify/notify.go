package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Update announces the session a lecturer is currently showing. The
// rotation loop publishes one per mint and one final update on stop, so a
// frontend can follow the live token without owning any timer itself.
type Update struct {
	OwnerID    string    `json:"owner_id"`
	Token      string    `json:"token"`
	CourseName string    `json:"course_name"`
	ExpiresAt  time.Time `json:"expires_at"`
	Stopped    bool      `json:"stopped"`
}

// Feed is the abstraction over different backends.
type Feed interface {
	Publish(ctx context.Context, u Update) error
	Subscribe(ctx context.Context, ownerID string) (<-chan Update, error)
}

// InMemory is a channel-backed feed for single-process deployments and tests.
type InMemory struct {
	mu   sync.Mutex
	subs map[string][]chan Update
}

// NewInMemory creates an empty in-memory feed.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string][]chan Update)}
}

// Publish delivers the update to every subscriber of the owner. Slow
// subscribers drop updates rather than stall the rotation loop.
func (f *InMemory) Publish(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[u.OwnerID] {
		select {
		case ch <- u:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of updates for one owner. The channel closes
// when ctx is cancelled.
func (f *InMemory) Subscribe(ctx context.Context, ownerID string) (<-chan Update, error) {
	ch := make(chan Update, 8)
	f.mu.Lock()
	f.subs[ownerID] = append(f.subs[ownerID], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		chans := f.subs[ownerID]
		for i, c := range chans {
			if c == ch {
				f.subs[ownerID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// RedisFeed publishes updates over Redis pub/sub so any frontend instance
// can follow a lecturer's current token.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

// NewRedisFeed builds a feed publishing to <prefix>:<ownerID> channels.
func NewRedisFeed(client *redis.Client, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = "qrattend:feed"
	}
	return &RedisFeed{client: client, prefix: prefix}
}

func (f *RedisFeed) channel(ownerID string) string { return f.prefix + ":" + ownerID }

// Publish sends the update as JSON.
func (f *RedisFeed) Publish(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel(u.OwnerID), payload).Err()
}

// Subscribe streams updates for one owner until ctx is cancelled.
func (f *RedisFeed) Subscribe(ctx context.Context, ownerID string) (<-chan Update, error) {
	sub := f.client.Subscribe(ctx, f.channel(ownerID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Update)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var u Update
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
