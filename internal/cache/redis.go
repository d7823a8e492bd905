// Package cache keeps the detector's sample buffers in Redis lists.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kubilitics/kubilitics-sentinel/internal/models"
)

// BufferKeyPrefix is prepended to the buffer name to form the list key.
const BufferKeyPrefix = "sentinel:buffer:"

// RedisBuffers implements db.BufferStore on bounded Redis lists. New samples
// are RPUSHed and the list is LTRIMmed to the newest capacity entries.
type RedisBuffers struct {
	client redis.UniversalClient
}

// NewRedisBuffers connects to addr and verifies the connection.
func NewRedisBuffers(ctx context.Context, addr, password string, db int) (*RedisBuffers, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBuffers{client: client}, nil
}

// NewRedisBuffersFromClient wraps an existing client.
func NewRedisBuffersFromClient(client redis.UniversalClient) *RedisBuffers {
	return &RedisBuffers{client: client}
}

func bufferKey(name string) string { return BufferKeyPrefix + name }

type wireSample struct {
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"mem"`
	Network float64 `json:"net"`
	TS      int64   `json:"ts,omitempty"`
}

func encodeSample(s models.Sample) ([]byte, error) {
	w := wireSample{CPU: s.CPU, Memory: s.Memory, Network: s.Network}
	if !s.Timestamp.IsZero() {
		w.TS = s.Timestamp.UnixNano()
	}
	return json.Marshal(w)
}

func decodeSample(data []byte) (models.Sample, error) {
	var w wireSample
	if err := json.Unmarshal(data, &w); err != nil {
		return models.Sample{}, err
	}
	s := models.Sample{CPU: w.CPU, Memory: w.Memory, Network: w.Network}
	if w.TS != 0 {
		s.Timestamp = time.Unix(0, w.TS).UTC()
	}
	return s, nil
}

// AppendSample pushes s and trims the list in one pipeline.
func (r *RedisBuffers) AppendSample(ctx context.Context, buffer string, s models.Sample, capacity int) error {
	data, err := encodeSample(s)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}
	key := bufferKey(buffer)

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if capacity > 0 {
		pipe.LTrim(ctx, key, int64(-capacity), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

// LoadSamples returns up to limit of the newest samples, oldest first.
// Entries that fail to decode are skipped.
func (r *RedisBuffers) LoadSamples(ctx context.Context, buffer string, limit int) ([]models.Sample, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	data, err := r.client.LRange(ctx, bufferKey(buffer), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", buffer, err)
	}
	out := make([]models.Sample, 0, len(data))
	for _, d := range data {
		s, err := decodeSample([]byte(d))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ClearSamples deletes the buffer list.
func (r *RedisBuffers) ClearSamples(ctx context.Context, buffer string) error {
	return r.client.Del(ctx, bufferKey(buffer)).Err()
}

// Ping checks the connection.
func (r *RedisBuffers) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisBuffers) Close() error {
	return r.client.Close()
}
