package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rainyctl/rainy-cloud/logger"
	"github.com/redis/go-redis/v9"
)

// Client 包装了 go-redis 的 UniversalClient，并维护一个按名字注册的 Lua 脚本表
type Client struct {
	rdb redis.UniversalClient

	scripts *sync.Map
}

// NewClient 创建一个新的 Redis 客户端实例
// 对于集群模式, redisAddrs 应该是逗号分隔的地址列表 "host1:port1,host2:port2"
func NewClient(ctx context.Context, redisAddrs string) (*Client, error) {
	addrs := strings.Split(redisAddrs, ",")
	logger.Logger.Info().Strs("addrs", addrs).Msg("connecting to redis")

	var rdb redis.UniversalClient
	if len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:         addrs[0],
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Logger.Info().Msg("✅ Successfully connected to Redis.")

	return &Client{
		rdb:     rdb,
		scripts: new(sync.Map),
	}, nil
}

// LoadScript 以 scriptName 注册一个 Lua 脚本。
// 同名同内容重复注册是安全的，同名不同内容会报错。
func (c *Client) LoadScript(scriptName, content string) error {
	if existing, loaded := c.scripts.LoadOrStore(scriptName, redis.NewScript(content)); loaded {
		if existing.(*redis.Script).Hash() != redis.NewScript(content).Hash() {
			return fmt.Errorf("script '%s' is already loaded with different content", scriptName)
		}
		return nil
	}
	logger.Logger.Debug().Str("script", scriptName).Msg("lua script registered")
	return nil
}

// RunScript 执行一个已注册的 Lua 脚本，返回值交给业务层解释
func (c *Client) RunScript(ctx context.Context, scriptName string, keys []string, args ...interface{}) (interface{}, error) {
	val, ok := c.scripts.Load(scriptName)
	if !ok {
		return nil, fmt.Errorf("script '%s' not loaded", scriptName)
	}

	// go-redis 会先 EVALSHA，遇到 NOSCRIPT 时自动回退为 EVAL
	result, err := val.(*redis.Script).Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run script '%s': %w", scriptName, err)
	}
	return result, nil
}

// GetClient 返回底层的 redis 客户端，以便执行其他通用命令
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
