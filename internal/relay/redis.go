package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// fanoutEnvelope carries a frame between relay instances that share a
// Redis. Instance filters out its own publishes.
type fanoutEnvelope struct {
	Instance string          `json:"instance"`
	Mesh     string          `json:"mesh"`
	To       string          `json:"to,omitempty"`
	Frame    json.RawMessage `json:"frame"`
}

// redisFanout bridges rooms across relay instances through Redis
// pub/sub. Without it a relay still works alone.
type redisFanout struct {
	rdb      *redis.Client
	instance string
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]func() // mesh id -> unsubscribe
}

func newRedisFanout(addr, password string, db int, logger *slog.Logger) (*redisFanout, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	logger.Info("redis fanout connected", "addr", addr, "db", db)
	return &redisFanout{
		rdb:      rdb,
		instance: uuid.NewString(),
		logger:   logger.With("component", "relay-fanout"),
		subs:     make(map[string]func()),
	}, nil
}

func channelFor(meshID string) string {
	return "atmosphere:relay:" + meshID
}

// publish ships a frame to sibling instances. Fire and forget: frames
// are already best-effort at the websocket layer.
func (f *redisFanout) publish(meshID, to string, frame []byte) {
	payload, err := json.Marshal(fanoutEnvelope{
		Instance: f.instance,
		Mesh:     meshID,
		To:       to,
		Frame:    frame,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.rdb.Publish(ctx, channelFor(meshID), payload).Err(); err != nil {
		f.logger.Debug("fanout publish failed", "mesh", meshID, "error", err)
	}
}

// subscribe starts mirroring a mesh channel into the local room.
func (f *redisFanout) subscribe(meshID string, deliver func(to string, frame []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[meshID]; ok {
		return nil
	}

	ctx := context.Background()
	sub := f.rdb.Subscribe(ctx, channelFor(meshID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe to %s: %w", channelFor(meshID), err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			var env fanoutEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Instance == f.instance {
				continue // our own publish echoed back
			}
			deliver(env.To, env.Frame)
		}
	}()

	f.subs[meshID] = func() { sub.Close() }
	return nil
}

// unsubscribe stops mirroring a mesh channel.
func (f *redisFanout) unsubscribe(meshID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if unsub, ok := f.subs[meshID]; ok {
		unsub()
		delete(f.subs, meshID)
	}
}

func (f *redisFanout) close() {
	f.mu.Lock()
	for mesh, unsub := range f.subs {
		unsub()
		delete(f.subs, mesh)
	}
	f.mu.Unlock()
	f.rdb.Close()
}

// healthy reports whether Redis still answers.
func (f *redisFanout) healthy(ctx context.Context) bool {
	return f.rdb.Ping(ctx).Err() == nil
}
