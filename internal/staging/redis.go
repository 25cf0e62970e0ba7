package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/openretail-dev/heron/internal/domain"
)

// swapScript renames the fully written temp key onto the batch key in a
// single server-side step, applying the batch TTL when configured.
var swapScript = redis.NewScript(`
	redis.call('RENAME', KEYS[1], KEYS[2])
	if tonumber(ARGV[1]) > 0 then
		redis.call('EXPIRE', KEYS[2], ARGV[1])
	end
	return 1
`)

// RedisStaging implements Staging using Redis. The batch is one JSON
// value per date; Replace writes a temp key and RENAMEs it into place.
type RedisStaging struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStaging creates a Redis-backed staging store.
func NewRedisStaging(cfg domain.StagingConfig) (*RedisStaging, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStaging{
		client: client,
		ttl:    time.Duration(cfg.TTLSeconds) * time.Second,
	}, nil
}

// Replace serializes the batch to a temp key, then swaps it onto the
// date's key with RENAME so readers never observe a partial write.
func (s *RedisStaging) Replace(ctx context.Context, date string, records []*domain.SalesRecord) error {
	staged := make([]*domain.SalesRecord, len(records))
	copy(staged, records)
	sort.Slice(staged, func(i, j int) bool {
		return staged[i].TransactionID < staged[j].TransactionID
	})

	payload, err := json.Marshal(staged)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	tmpKey := s.tmpKey(date)
	// The temp key self-expires so an interrupted swap leaves no litter.
	if err := s.client.Set(ctx, tmpKey, payload, 10*time.Minute).Err(); err != nil {
		return domain.Transient("staging.replace", err)
	}

	ttlSecs := int64(s.ttl / time.Second)
	if err := swapScript.Run(ctx, s.client, []string{tmpKey, s.batchKey(date)}, ttlSecs).Err(); err != nil {
		return domain.Transient("staging.swap", err)
	}
	return nil
}

// Records returns the staged batch for the date, ordered by transaction_id.
func (s *RedisStaging) Records(ctx context.Context, date string) ([]*domain.SalesRecord, error) {
	payload, err := s.client.Get(ctx, s.batchKey(date)).Bytes()
	if err == redis.Nil {
		return []*domain.SalesRecord{}, nil
	}
	if err != nil {
		return nil, domain.Transient("staging.records", err)
	}

	var staged []*domain.SalesRecord
	if err := json.Unmarshal(payload, &staged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return staged, nil
}

// Count returns the number of staged records for the date.
func (s *RedisStaging) Count(ctx context.Context, date string) (int, error) {
	staged, err := s.Records(ctx, date)
	if err != nil {
		return 0, err
	}
	return len(staged), nil
}

// Clear drops the staged batch for the date.
func (s *RedisStaging) Clear(ctx context.Context, date string) error {
	if err := s.client.Del(ctx, s.batchKey(date)).Err(); err != nil {
		return domain.Transient("staging.clear", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *RedisStaging) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStaging) Close() error {
	return s.client.Close()
}

func (s *RedisStaging) batchKey(date string) string {
	return "heron:staging:" + date
}

func (s *RedisStaging) tmpKey(date string) string {
	return "heron:staging:tmp:" + date + ":" + uuid.NewString()
}
