package devicestate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"accessguard/pkg/models"
)

// RedisConfig configures Redis access for device records.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps one hash per device, an address index and a sorted set
// of device IDs scored by last update.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Redis-backed device store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "accessguard:devices"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis device store: %w", err)
	}

	return &RedisStore{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// Register creates a PENDING record for device unless one exists.
func (s *RedisStore) Register(ctx context.Context, device models.Device) error {
	key := s.deviceKey(device.ID)
	created, err := s.client.HSetNX(ctx, key, "status", string(models.StatusPending)).Result()
	if err != nil {
		return fmt.Errorf("register device %s: %w", device.ID, err)
	}
	if !created {
		return nil
	}
	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, identityFields(device, now)...)
	if device.Address != "" {
		pipe.Set(ctx, s.addressKey(device.Address), device.ID, 0)
	}
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.Unix()), Member: device.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register device %s: %w", device.ID, err)
	}
	return nil
}

// SetAccessState writes the transition in one MULTI block and returns the
// status the hash held before it.
func (s *RedisStore) SetAccessState(ctx context.Context, device models.Device, state models.AccessState) (models.AccessStatus, error) {
	key := s.deviceKey(device.ID)
	at := state.At.UTC()

	var prevCmd *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prevCmd = pipe.HGet(ctx, key, "status")
		pipe.HSet(ctx, key, identityFields(device, at)...)
		pipe.HSet(ctx, key, "status", string(state.Status))
		switch state.Status {
		case models.StatusBlocked:
			pipe.HSet(ctx, key,
				"reason", state.Reason,
				"blocked_by", state.Actor,
				"blocked_at", strconv.FormatInt(at.Unix(), 10),
			)
		case models.StatusAllowed:
			pipe.HDel(ctx, key, "reason", "blocked_by", "blocked_at")
		}
		if device.Address != "" {
			pipe.Set(ctx, s.addressKey(device.Address), device.ID, 0)
		}
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(at.Unix()), Member: device.ID})
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("set access state of %s: %w", device.ID, err)
	}

	prev, err := prevCmd.Result()
	if errors.Is(err, redis.Nil) || prev == "" {
		return models.StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("read previous state of %s: %w", device.ID, err)
	}
	return models.AccessStatus(prev), nil
}

// Get returns the device record or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, deviceID string) (*models.DeviceAccessRecord, error) {
	hash, err := s.client.HGetAll(ctx, s.deviceKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read device %s: %w", deviceID, err)
	}
	if len(hash) == 0 {
		return nil, ErrNotFound
	}
	return recordFromHash(deviceID, hash), nil
}

// LookupAddress resolves address through the index. A stale index entry
// whose device moved to another address reports ErrNotFound.
func (s *RedisStore) LookupAddress(ctx context.Context, address string) (*models.DeviceAccessRecord, error) {
	id, err := s.client.Get(ctx, s.addressKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup address %s: %w", address, err)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Address != address {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns every device record, most recently updated first.
func (s *RedisStore) List(ctx context.Context) ([]*models.DeviceAccessRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read device index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.deviceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read device records: %w", err)
	}

	out := make([]*models.DeviceAccessRecord, 0, len(ids))
	for i, cmd := range cmds {
		hash := cmd.Val()
		if len(hash) == 0 {
			continue
		}
		out = append(out, recordFromHash(ids[i], hash))
	}
	return out, nil
}

// IncrementStrikes bumps the structured strike counter.
func (s *RedisStore) IncrementStrikes(ctx context.Context, deviceID string) (int, error) {
	key := s.deviceKey(deviceID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment strikes of %s: %w", deviceID, err)
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	n, err := s.client.HIncrBy(ctx, key, "strikes", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment strikes of %s: %w", deviceID, err)
	}
	return int(n), nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) deviceKey(id string) string {
	return s.prefix + ":device:" + id
}

func (s *RedisStore) addressKey(address string) string {
	return s.prefix + ":address:" + address
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func identityFields(d models.Device, at time.Time) []interface{} {
	fields := []interface{}{
		"device_id", d.ID,
		"updated_at", strconv.FormatInt(at.Unix(), 10),
	}
	if d.Address != "" {
		fields = append(fields, "address", d.Address)
	}
	if d.MAC != "" {
		fields = append(fields, "mac", d.MAC)
	}
	if d.Hostname != "" {
		fields = append(fields, "hostname", d.Hostname)
	}
	return fields
}

func recordFromHash(id string, hash map[string]string) *models.DeviceAccessRecord {
	rec := &models.DeviceAccessRecord{
		DeviceID:  id,
		Address:   hash["address"],
		MAC:       hash["mac"],
		Hostname:  hash["hostname"],
		Status:    models.AccessStatus(hash["status"]),
		Reason:    hash["reason"],
		BlockedBy: hash["blocked_by"],
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}
	rec.Strikes, _ = strconv.Atoi(hash["strikes"])
	if unix, _ := strconv.ParseInt(hash["updated_at"], 10, 64); unix > 0 {
		rec.UpdatedAt = time.Unix(unix, 0).UTC()
	}
	if unix, _ := strconv.ParseInt(hash["blocked_at"], 10, 64); unix > 0 {
		at := time.Unix(unix, 0).UTC()
		rec.BlockedAt = &at
	}
	return rec
}
