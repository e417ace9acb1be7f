package chunkstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Each transfer maps to one hash,
// one field per chunk index. HSETNX gives the write-once guarantee and a
// hash-level TTL gives bounded retention, so buffered chunks survive a
// process restart but not an abandoned transfer.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: TTL}, nil
}

func transferKey(deviceID, imageName string) string {
	return "canopy:chunks:" + deviceID + ":" + imageName
}

// PutChunk buffers one chunk with first-write-wins semantics and
// refreshes the transfer's TTL.
func (s *RedisStore) PutChunk(ctx context.Context, deviceID, imageName string, index int, data []byte) (bool, error) {
	key := transferKey(deviceID, imageName)

	stored, err := s.client.HSetNX(ctx, key, strconv.Itoa(index), data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to buffer chunk: %w", err)
	}

	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return stored, fmt.Errorf("failed to refresh chunk ttl: %w", err)
	}
	return stored, nil
}

// Chunks returns all buffered chunks for a transfer.
func (s *RedisStore) Chunks(ctx context.Context, deviceID, imageName string) (map[int][]byte, error) {
	fields, err := s.client.HGetAll(ctx, transferKey(deviceID, imageName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk buffer: %w", err)
	}

	chunks := make(map[int][]byte, len(fields))
	for field, value := range fields {
		index, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("corrupt chunk index %q: %w", field, err)
		}
		chunks[index] = []byte(value)
	}
	return chunks, nil
}

// ReceivedIndices returns the sorted chunk indices buffered for a transfer.
func (s *RedisStore) ReceivedIndices(ctx context.Context, deviceID, imageName string) ([]int, error) {
	fields, err := s.client.HKeys(ctx, transferKey(deviceID, imageName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk indices: %w", err)
	}

	indices := make([]int, 0, len(fields))
	for _, field := range fields {
		index, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("corrupt chunk index %q: %w", field, err)
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

// Delete drops the transfer's chunk buffer.
func (s *RedisStore) Delete(ctx context.Context, deviceID, imageName string) error {
	if err := s.client.Del(ctx, transferKey(deviceID, imageName)).Err(); err != nil {
		return fmt.Errorf("failed to delete chunk buffer: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
