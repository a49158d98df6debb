package product

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	rclient "github.com/rainyctl/rainy-cloud/redis"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// 所有键共用 {product} 哈希标签，集群模式下落在同一个 slot，脚本和事务不会 CROSSSLOT
const (
	keyProduct   = "{product}:%d"
	keyProductID = "{product}:ids"
	keyStockOp   = "{product}:op:%s"

	scriptDecrement = "product.stock.decrement"
	scriptIncrement = "product.stock.increment"
	scriptDeduct    = "product.stock.deduct"
	scriptRestore   = "product.stock.restore"
	scriptSeed      = "product.seed"

	// 操作号台账的保留时间，需要远大于一次下单流程的最长耗时
	stockOpTTL = 7 * 24 * time.Hour
)

// 返回值: >=0 扣减后的库存; -1 商品不存在; -2 库存不足
const luaDecrement = `
local stock = redis.call('HGET', KEYS[1], 'stock')
if not stock then
  return -1
end
local count = tonumber(ARGV[1])
if tonumber(stock) < count then
  return -2
end
return redis.call('HINCRBY', KEYS[1], 'stock', -count)
`

const luaIncrement = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], 'stock', tonumber(ARGV[1]))
`

// 返回值: 1 扣减成功; 0 同号重放; -1 商品不存在; -2 库存不足; -3 操作号已作废
const luaDeduct = `
local state = redis.call('HGET', KEYS[2], 'state')
if state then
  if state == 'DEDUCTED' then
    return 0
  end
  return -3
end
local stock = redis.call('HGET', KEYS[1], 'stock')
if not stock then
  return -1
end
local count = tonumber(ARGV[1])
if tonumber(stock) < count then
  return -2
end
redis.call('HINCRBY', KEYS[1], 'stock', -count)
redis.call('HSET', KEYS[2], 'state', 'DEDUCTED', 'count', ARGV[1])
redis.call('EXPIRE', KEYS[2], ARGV[2])
return 1
`

// 返回值: 1 已回补; 0 无需回补(已回补或写入作废记录); -1 商品不存在
const luaRestore = `
local state = redis.call('HGET', KEYS[2], 'state')
if state == 'DEDUCTED' then
  if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
  end
  redis.call('HINCRBY', KEYS[1], 'stock', tonumber(redis.call('HGET', KEYS[2], 'count')))
  redis.call('HSET', KEYS[2], 'state', 'RESTORED')
  return 1
end
if not state then
  redis.call('HSET', KEYS[2], 'state', 'REVOKED', 'count', ARGV[1])
  redis.call('EXPIRE', KEYS[2], ARGV[2])
end
return 0
`

// 名称和价格总是刷新；库存只在键不存在时写入，已售出的库存不会被 MySQL 中的旧值覆盖
const luaSeed = `
redis.call('HSET', KEYS[1], 'name', ARGV[1], 'price', ARGV[2])
local created = redis.call('HSETNX', KEYS[1], 'stock', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return created
`

// RedisStore 把商品保存在 Redis hash 中，库存的条件扣减由 Lua 脚本在服务端原子完成
type RedisStore struct {
	client *rclient.Client
}

func NewRedisStore(client *rclient.Client) (*RedisStore, error) {
	if err := client.LoadScript(scriptDecrement, luaDecrement); err != nil {
		return nil, err
	}
	if err := client.LoadScript(scriptIncrement, luaIncrement); err != nil {
		return nil, err
	}
	if err := client.LoadScript(scriptDeduct, luaDeduct); err != nil {
		return nil, err
	}
	if err := client.LoadScript(scriptRestore, luaRestore); err != nil {
		return nil, err
	}
	if err := client.LoadScript(scriptSeed, luaSeed); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) GetByID(ctx context.Context, id int64) (*Product, error) {
	fields, err := s.client.GetClient().HGetAll(ctx, fmt.Sprintf(keyProduct, id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "get product %d", id)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(id, fields)
}

func (s *RedisStore) DecrementStock(ctx context.Context, id int64, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	res, err := s.client.RunScript(ctx, scriptDecrement, []string{fmt.Sprintf(keyProduct, id)}, count)
	if err != nil {
		return errors.Wrapf(err, "decrement stock of product %d", id)
	}
	if n, _ := res.(int64); n < 0 {
		return ErrInsufficientStock
	}
	return nil
}

func (s *RedisStore) IncrementStock(ctx context.Context, id int64, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	res, err := s.client.RunScript(ctx, scriptIncrement, []string{fmt.Sprintf(keyProduct, id)}, count)
	if err != nil {
		return errors.Wrapf(err, "increment stock of product %d", id)
	}
	if n, _ := res.(int64); n < 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Deduct(ctx context.Context, opID string, id int64, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	if opID == "" {
		return s.DecrementStock(ctx, id, count)
	}
	keys := []string{fmt.Sprintf(keyProduct, id), fmt.Sprintf(keyStockOp, opID)}
	res, err := s.client.RunScript(ctx, scriptDeduct, keys, count, int64(stockOpTTL/time.Second))
	if err != nil {
		return errors.Wrapf(err, "deduct stock of product %d", id)
	}
	switch n, _ := res.(int64); n {
	case -1, -2:
		return ErrInsufficientStock
	case -3:
		return ErrOperationRevoked
	}
	return nil
}

func (s *RedisStore) Restore(ctx context.Context, opID string, id int64, count int) error {
	if count <= 0 {
		return ErrInvalidCount
	}
	if opID == "" {
		return s.IncrementStock(ctx, id, count)
	}
	keys := []string{fmt.Sprintf(keyProduct, id), fmt.Sprintf(keyStockOp, opID)}
	res, err := s.client.RunScript(ctx, scriptRestore, keys, count, int64(stockOpTTL/time.Second))
	if err != nil {
		return errors.Wrapf(err, "restore stock for op %s", opID)
	}
	if n, _ := res.(int64); n < 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Product, error) {
	members, err := s.client.GetClient().SMembers(ctx, keyProductID).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list product ids")
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	products := make([]Product, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, nil
}

// Save 覆盖写入商品，包括库存
func (s *RedisStore) Save(ctx context.Context, p *Product) error {
	if p.ID <= 0 {
		return errors.New("redis store requires an assigned product id")
	}
	_, err := s.client.GetClient().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fmt.Sprintf(keyProduct, p.ID),
			"name", p.Name,
			"price", p.Price.String(),
			"stock", p.Stock,
		)
		pipe.SAdd(ctx, keyProductID, p.ID)
		return nil
	})
	return errors.Wrapf(err, "save product %d", p.ID)
}

// WarmUp 把 from 中的商品同步到 Redis，返回新写入库存的商品数。
// Redis 中已有的库存是权威值，重启后的再次预热不会覆盖它。
func (s *RedisStore) WarmUp(ctx context.Context, from Store) (int, error) {
	products, err := from.List(ctx)
	if err != nil {
		return 0, err
	}
	seeded := 0
	for _, p := range products {
		keys := []string{fmt.Sprintf(keyProduct, p.ID), keyProductID}
		res, err := s.client.RunScript(ctx, scriptSeed, keys, p.Name, p.Price.String(), p.Stock, p.ID)
		if err != nil {
			return seeded, errors.Wrapf(err, "seed product %d", p.ID)
		}
		if n, _ := res.(int64); n == 1 {
			seeded++
		}
	}
	return seeded, nil
}

func decodeHash(id int64, fields map[string]string) (*Product, error) {
	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return nil, errors.Wrapf(err, "decode price of product %d", id)
	}
	stock, err := strconv.Atoi(fields["stock"])
	if err != nil {
		return nil, errors.Wrapf(err, "decode stock of product %d", id)
	}
	return &Product{ID: id, Name: fields["name"], Price: price, Stock: stock}, nil
}
