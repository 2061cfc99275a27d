package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/mfakit/pkg/credential"
)

const (
	redisKeyPrefix = "mfa:credential:"

	// consumeRetries bounds the optimistic-transaction retry loop. The key
	// only changes when another device touches the same credential, so
	// contention is rare and short.
	consumeRetries = 5
)

// RedisConfig configures the Redis cache backend connection.
type RedisConfig struct {
	ConnectionURL  string        `env:"MFA_REDIS_URL,required" envDefault:"redis://localhost:6379/0"` // e.g. "redis://:password@localhost:6379/0"
	RetryAttempts  int           `env:"MFA_REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval  time.Duration `env:"MFA_REDIS_RETRY_INTERVAL" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"MFA_REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
}

// RedisBackend stores credentials as JSON values in Redis. It fills the cache
// role of the store: always nearby, possibly stale, overwritten wholesale on
// reconciliation.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	if client == nil {
		panic("credstore: redis client cannot be nil")
	}
	return &RedisBackend{client: client}
}

// ConnectRedis establishes a Redis connection with retry, then wraps it as a
// backend.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}

	for range max(cfg.RetryAttempts, 1) {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisBackend(client), nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrStorageUnavailable, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrStorageUnavailable
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

func (b *RedisBackend) Get(ctx context.Context, userID string) (*credential.Credential, error) {
	raw, err := b.client.Get(ctx, redisKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCredentialNotFound
		}
		return nil, errors.Join(ErrStorageUnavailable, err)
	}

	var cred credential.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, err
	}
	if cred.Archived {
		return nil, ErrCredentialNotFound
	}
	return &cred, nil
}

func (b *RedisBackend) Put(ctx context.Context, cred *credential.Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, redisKey(cred.UserID), raw, 0).Err(); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, userID string) error {
	if err := b.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) List(ctx context.Context) ([]*credential.Credential, error) {
	var out []*credential.Credential
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := b.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between scan and get
			}
			return nil, errors.Join(ErrStorageUnavailable, err)
		}
		var cred credential.Credential
		if err := json.Unmarshal(raw, &cred); err != nil {
			return nil, err
		}
		out = append(out, &cred)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	return out, nil
}

// ConsumeBackupCode runs an optimistic WATCH transaction: the credential is
// re-read and the consumed flag checked inside the watched section, so two
// devices racing on the same code serialize on the key version and exactly
// one wins.
func (b *RedisBackend) ConsumeBackupCode(ctx context.Context, userID, codeHash string) error {
	key := redisKey(userID)

	consume := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrCredentialNotFound
			}
			return errors.Join(ErrStorageUnavailable, err)
		}

		var cred credential.Credential
		if err := json.Unmarshal(raw, &cred); err != nil {
			return err
		}

		idx := -1
		for i := range cred.BackupCodes {
			if cred.BackupCodes[i].Hash == codeHash {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrBackupCodeNotFound
		}
		if cred.BackupCodes[idx].Consumed {
			return ErrBackupCodeAlreadyUsed
		}

		now := time.Now()
		cred.BackupCodes[idx].Consumed = true
		cred.BackupCodes[idx].ConsumedAt = &now
		cred.UpdatedAt = now

		updated, err := json.Marshal(&cred)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	for range consumeRetries {
		err := b.client.Watch(ctx, consume, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // key changed underneath, re-read and retry
		}
		return err
	}
	return errors.Join(ErrStorageUnavailable, redis.TxFailedErr)
}

func (b *RedisBackend) Archive(ctx context.Context, userID string, keepCreatedAt time.Time) (int, error) {
	// The cache holds a single record per user; archiving applies to the
	// durable side where legacy duplicates live. Nothing to do unless the
	// one cached record is itself the loser.
	cred, err := b.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if cred.Archived || cred.CreatedAt.Equal(keepCreatedAt) {
		return 0, nil
	}
	cred.Archived = true
	if err := b.Put(ctx, cred); err != nil {
		return 0, err
	}
	return 1, nil
}
