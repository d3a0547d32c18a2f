package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb    *redis.Client
	config *Config
}

type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		rdb:    rdb,
		config: config,
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// claimSlotScript is the atomic check-and-claim for one admission slot.
// The slot key holds its claim timestamp; a claim still inside the window
// wins the conflict. On success the request record (and, when a scoped
// record key is given, the per-scope record) is added in the same script
// so no partially admitted state is ever visible.
//
// KEYS[1] slot key, KEYS[2] record key, KEYS[3] optional scoped record key.
// ARGV[1] now in ms, ARGV[2] window in ms, ARGV[3] record member.
var claimSlotScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local existing = redis.call('GET', KEYS[1])
if existing and tonumber(existing) >= now - windowMs then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
redis.call('ZADD', KEYS[2], now, ARGV[3])
redis.call('PEXPIRE', KEYS[2], windowMs * 2)
if #KEYS >= 3 then
	redis.call('ZADD', KEYS[3], now, ARGV[3])
	redis.call('PEXPIRE', KEYS[3], windowMs * 2)
end
return 1
`)

// ClaimSlot atomically claims a slot and logs the request. Returns false
// when the slot is still held by a claim inside the window.
func (c *Client) ClaimSlot(ctx context.Context, slotKey string, recordKeys []string, nowMs, windowMs int64, member string) (bool, error) {
	keys := append([]string{slotKey}, recordKeys...)
	res, err := claimSlotScript.Run(ctx, c.rdb, keys, nowMs, windowMs, member).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to claim slot: %w", err)
	}
	return res == 1, nil
}

// AddRecord appends a timestamped request record to each key. Entries are
// scored by timestamp so window queries are plain range operations.
func (c *Client) AddRecord(ctx context.Context, keys []string, nowMs int64, member string, window time.Duration) error {
	pipe := c.rdb.TxPipeline()
	for _, key := range keys {
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(nowMs), Member: member})
		pipe.PExpire(ctx, key, window*2) // Keep data a bit longer than window
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add record: %w", err)
	}
	return nil
}

// CountSince returns how many records have a timestamp at or after sinceMs.
func (c *Client) CountSince(ctx context.Context, key string, sinceMs int64) (int, error) {
	count, err := c.rdb.ZCount(ctx, key, fmt.Sprintf("%d", sinceMs), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return int(count), nil
}

// OldestSince returns the earliest record timestamp at or after sinceMs.
func (c *Client) OldestSince(ctx context.Context, key string, sinceMs int64) (int64, bool, error) {
	entries, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", sinceMs),
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read oldest record: %w", err)
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	return int64(entries[0].Score), true, nil
}

// RecordsSince returns record timestamps at or after sinceMs, oldest first,
// capped at max entries.
func (c *Client) RecordsSince(ctx context.Context, key string, sinceMs int64, max int) ([]int64, error) {
	entries, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", sinceMs),
		Max:   "+inf",
		Count: int64(max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	out := make([]int64, 0, len(entries))
	for _, entry := range entries {
		out = append(out, int64(entry.Score))
	}
	return out, nil
}

// PruneBefore drops every record scored strictly below beforeMs.
func (c *Client) PruneBefore(ctx context.Context, key string, beforeMs int64) error {
	if err := c.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", beforeMs)).Err(); err != nil {
		return fmt.Errorf("failed to prune records: %w", err)
	}
	return nil
}

// ScanKeys returns every key matching the glob pattern, paging with SCAN.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for i := 0; i < maxScanIterations; i++ {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
	return nil, fmt.Errorf("scan did not converge for pattern %q", pattern)
}

// SetString stores a plain string value with an optional TTL.
func (c *Client) SetString(ctx context.Context, key, value string, expiration time.Duration) error {
	return c.rdb.Set(ctx, key, value, expiration).Err()
}

// GetString reads a plain string value. Returns found=false for a missing key.
func (c *Client) GetString(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	return value, true, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// maxScanIterations caps SCAN pagination so a cursor that never converges
// cannot spin forever.
const maxScanIterations = 10000

// DeleteByPattern removes every key matching the glob pattern, paging with
// SCAN so large keyspaces are never blocked on a single KEYS call.
func (c *Client) DeleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for i := 0; i < maxScanIterations; i++ {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
	return fmt.Errorf("scan did not converge for pattern %q", pattern)
}
