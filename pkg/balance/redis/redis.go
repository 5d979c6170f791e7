// Package redis implements a shared balance layer on Redis using rueidis.
//
// Each account is a hash {balance_cents, version}. Writes go through a Lua
// script that only replaces the hash when the incoming version is newer, so
// concurrent writers from several processes cannot roll a balance back.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tap-ledger/pkg/balance"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/money"

	"github.com/redis/rueidis"
)

const setIfNewerScript = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'balance_cents', ARGV[1], 'version', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`

// Layer is a Redis-backed balance layer.
type Layer struct {
	client    rueidis.Client
	setScript *rueidis.Lua
	config    Config
}

// Config holds connection and keying settings.
type Config struct {
	Name string
	// Addr is the Redis server address for single node mode.
	// For cluster mode, use ClusterAddrs instead.
	Addr string
	// ClusterAddrs enables cluster mode when set.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the Redis database number. Cluster mode only supports DB 0.
	DB           int
	KeyPrefix    string
	TTL          time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// SentinelAddrs enables sentinel mode when set.
	SentinelAddrs     []string
	SentinelMasterSet string
	SentinelUsername  string
	SentinelPassword  string
}

// DefaultConfig returns a configuration for a local single-node Redis.
func DefaultConfig() Config {
	return Config{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "ledger:balance:",
		TTL:          5 * time.Minute,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

var _ balance.Layer = (*Layer)(nil)

// New connects to Redis and verifies the connection with PING.
func New(config Config) (*Layer, error) {
	defaults := DefaultConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}

	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	l := &Layer{
		client:    client,
		setScript: rueidis.NewLuaScript(setIfNewerScript),
		config:    config,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := l.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

func (l *Layer) key(accountID string) string {
	return l.config.KeyPrefix + accountID
}

// Get reads the account hash. A missing or partial hash is a miss.
func (l *Layer) Get(ctx context.Context, accountID string) (ledger.Snapshot, error) {
	if err := balance.ValidateKey(accountID); err != nil {
		return ledger.Snapshot{}, err
	}

	resp := l.client.Do(ctx, l.client.B().Hgetall().Key(l.key(accountID)).Build())
	fields, err := resp.AsStrMap()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return ledger.Snapshot{}, balance.ErrMiss
		}
		return ledger.Snapshot{}, fmt.Errorf("redis get: %w", err)
	}

	rawCents, okBalance := fields["balance_cents"]
	rawVersion, okVersion := fields["version"]
	if !okBalance || !okVersion {
		return ledger.Snapshot{}, balance.ErrMiss
	}

	cents, err := strconv.ParseInt(rawCents, 10, 64)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("redis get: failed to decode balance: %w", err)
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("redis get: failed to decode version: %w", err)
	}

	return ledger.Snapshot{
		AccountID: accountID,
		Balance:   money.FromCents(cents),
		Version:   version,
	}, nil
}

// Set stores snap if it is newer than the stored version and refreshes the TTL.
func (l *Layer) Set(ctx context.Context, snap ledger.Snapshot) error {
	if err := balance.ValidateKey(snap.AccountID); err != nil {
		return err
	}

	args := []string{
		strconv.FormatInt(snap.Balance.Cents(), 10),
		strconv.FormatInt(snap.Version, 10),
		strconv.FormatInt(l.config.TTL.Milliseconds(), 10),
	}
	if err := l.setScript.Exec(ctx, l.client, []string{l.key(snap.AccountID)}, args).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the account hash.
func (l *Layer) Delete(ctx context.Context, accountID string) error {
	if err := balance.ValidateKey(accountID); err != nil {
		return err
	}

	if err := l.client.Do(ctx, l.client.B().Del().Key(l.key(accountID)).Build()).Error(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Name returns the layer name.
func (l *Layer) Name() string {
	return l.config.Name
}

// Close closes the client.
func (l *Layer) Close() error {
	l.client.Close()
	return nil
}

// Ping checks connectivity.
func (l *Layer) Ping(ctx context.Context) error {
	if err := l.client.Do(ctx, l.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// FlushDB removes every key in the selected database. Intended for tests.
func (l *Layer) FlushDB(ctx context.Context) error {
	if err := l.client.Do(ctx, l.client.B().Flushdb().Build()).Error(); err != nil {
		return fmt.Errorf("redis flushdb: %w", err)
	}
	return nil
}
