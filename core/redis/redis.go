package redis

import (
	"context"
	"os"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/utils/logger"
)

const Nil = redis.Nil

// one DB one client
var redisClient *redis.Client
var once sync.Once

func InitRedis() error {
	redisClient = GetRedisInst()
	return nil
}

func GetRedisInst() *redis.Client {
	once.Do(func() {
		redisConfig := config.GetRedisConfig()
		options := &redis.Options{
			Addr:         redisConfig.Host,
			Password:     redisConfig.Password,
			DB:           int(redisConfig.DB),
			MinIdleConns: int(redisConfig.MinIdleConns),
			PoolSize:     100,
		}

		client := redis.NewClient(options)

		// Ping the Redis server
		pong, err := client.Ping(context.Background()).Result()
		if err != nil {
			logger.Logrus.WithFields(logrus.Fields{"ErrMsg": err}).Error("connect redis failed")
			os.Exit(0)
		}

		logger.Logrus.WithFields(logrus.Fields{"PongMsg": pong}).Info("connect redis success")

		redisClient = client
	})
	return redisClient
}

func Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return GetRedisInst().Set(ctx, key, value, expiration).Err()
}

func Get(ctx context.Context, key string) (string, error) {
	return GetRedisInst().Get(ctx, key).Result()
}

func Exists(ctx context.Context, key string) (bool, error) {
	n, err := GetRedisInst().Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func Del(ctx context.Context, key string) error {
	return GetRedisInst().Del(ctx, key).Err()
}
