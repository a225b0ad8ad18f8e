package config

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RemoteStore is the RFC parameter store: a narrow, read-only,
// failure-returning key/value source. It is named as an external
// collaborator, not owned by this process, so the interface is kept
// deliberately thin.
type RemoteStore interface {
	GetString(key string) (string, error)
	GetBool(key string) (bool, error)
	GetInt(key string) (int, error)
}

// RedisRemoteStore reads RFC parameters from a Redis hash, grounded on
// the teacher's loadHibernationTimerSetting (service.go), which reads a
// single setting with HGet against the "settings" hash.
type RedisRemoteStore struct {
	client *redis.Client
	hash   string
}

// NewRedisRemoteStore creates a RemoteStore backed by the given Redis
// hash key (the teacher uses "settings" for its own single setting).
func NewRedisRemoteStore(client *redis.Client, hash string) *RedisRemoteStore {
	return &RedisRemoteStore{client: client, hash: hash}
}

func (s *RedisRemoteStore) GetString(key string) (string, error) {
	return s.client.HGet(context.Background(), s.hash, key).Result()
}

func (s *RedisRemoteStore) GetBool(key string) (bool, error) {
	v, err := s.GetString(key)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(v)
}

func (s *RedisRemoteStore) GetInt(key string) (int, error) {
	v, err := s.GetString(key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}
