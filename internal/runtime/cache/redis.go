package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultNamespace = "offlinectl"

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// redisStorage keeps the set of store names under <namespace>:stores and
// each store as a hash under <namespace>:store:<name>.
type redisStorage struct {
	client    valkey.Client
	namespace string
}

func NewRedis(cfg RedisConfig) (Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	if err := initCodec(); err != nil {
		return nil, err
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &redisStorage{client: client, namespace: namespace}, nil
}

func (s *redisStorage) registryKey() string {
	return s.namespace + ":stores"
}

func (s *redisStorage) storeKey(name string) string {
	return s.namespace + ":store:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Store, error) {
	if name == "" {
		return nil, errors.New("cache: store name required")
	}
	cmd := s.client.B().Sadd().Key(s.registryKey()).Member(name).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("cache: redis open %s: %w", name, err)
	}
	return &redisStore{client: s.client, name: name, key: s.storeKey(name)}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	cmd := s.client.B().Sismember().Key(s.registryKey()).Member(name).Build()
	ok, err := s.client.Do(ctx, cmd).AsBool()
	if err != nil {
		return false, fmt.Errorf("cache: redis has %s: %w", name, err)
	}
	return ok, nil
}

func (s *redisStorage) Names(ctx context.Context) ([]string, error) {
	cmd := s.client.B().Smembers().Key(s.registryKey()).Build()
	names, err := s.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	results := s.client.DoMulti(ctx,
		s.client.B().Srem().Key(s.registryKey()).Member(name).Build(),
		s.client.B().Del().Key(s.storeKey(name)).Build(),
	)
	removed, err := results[0].AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis delete %s: %w", name, err)
	}
	if err := results[1].Error(); err != nil {
		return removed > 0, fmt.Errorf("cache: redis delete %s entries: %w", name, err)
	}
	return removed > 0, nil
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

type redisStore struct {
	client valkey.Client
	name   string
	key    string
}

func (s *redisStore) Name() string { return s.name }

func (s *redisStore) Match(ctx context.Context, key string) (Snapshot, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(s.key).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("cache: redis match: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("cache: redis match bytes: %w", err)
	}
	snap, err := decodeSnapshot(payload)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, snap Snapshot) error {
	return s.PutAll(ctx, map[string]Snapshot{key: snap})
}

// PutAll relies on a single multi-field HSET, which Redis applies atomically.
func (s *redisStore) PutAll(ctx context.Context, entries map[string]Snapshot) error {
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	cmd := s.client.B().Hset().Key(s.key).FieldValue()
	for _, key := range keys {
		payload, err := encodeSnapshot(stamp(entries[key]))
		if err != nil {
			return err
		}
		cmd = cmd.FieldValue(key, string(payload))
	}
	if err := s.client.Do(ctx, cmd.Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis put: %w", err)
	}
	return nil
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.Do(ctx, s.client.B().Hkeys().Key(s.key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
