package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/relaycat/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	sessionsKey = "relaycat:sessions"
	statsKey    = "relaycat:stats"
)

// RedisStore shares session history between relaycat instances through Redis.
type RedisStore struct {
	client  *redis.Client
	history int64
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(addr, password string, db, history int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if history <= 0 {
		history = DefaultHistory
	}
	return &RedisStore{client: rdb, history: int64(history)}, nil
}

func (s *RedisStore) Append(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	errCount := int64(0)
	if r.Err != "" {
		errCount = 1
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, sessionsKey, data)
	pipe.LTrim(ctx, sessionsKey, 0, s.history-1)
	pipe.HIncrBy(ctx, statsKey, "sessions", 1)
	pipe.HIncrBy(ctx, statsKey, "errors", errCount)
	pipe.HIncrBy(ctx, statsKey, "conn_to_local", r.ConnToLocal)
	pipe.HIncrBy(ctx, statsKey, "local_to_conn", r.LocalToConn)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 || int64(n) > s.history {
		n = int(s.history)
	}
	vals, err := s.client.LRange(ctx, sessionsKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range failed: %w", err)
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		var r Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			obs.Error("redis.unmarshal_record", obs.Fields{"err": err.Error()})
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	vals, err := s.client.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis stats failed: %w", err)
	}
	field := func(name string) int64 {
		n, _ := strconv.ParseInt(vals[name], 10, 64)
		return n
	}
	return Stats{
		Sessions:    field("sessions"),
		Errors:      field("errors"),
		ConnToLocal: field("conn_to_local"),
		LocalToConn: field("local_to_conn"),
	}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
