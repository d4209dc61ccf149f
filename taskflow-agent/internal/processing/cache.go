package processing

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

// EmbeddingCache stores normalized vectors in Redis keyed by model and text hash.
type EmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewEmbeddingCache(client *redis.Client, ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{client: client, ttl: ttl}
}

// NewRedisClient connects and verifies the server with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + model + ":" + hex.EncodeToString(sum[:])
}

// GetMany returns a slice aligned with texts; misses are nil.
func (c *EmbeddingCache) GetMany(ctx context.Context, model string, texts []string) ([][]float32, error) {
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = cacheKey(model, t)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := decodeVector([]byte(s))
		if err != nil {
			continue
		}
		out[i] = vec
	}
	return out, nil
}

func (c *EmbeddingCache) SetMany(ctx context.Context, model string, texts []string, vecs [][]float32) error {
	pipe := c.client.Pipeline()
	for i, t := range texts {
		pipe.Set(ctx, cacheKey(model, t), encodeVector(vecs[i]), c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached vector of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
