// Package productclient 是订单服务访问商品服务的远程客户端。
// 查询商品时带有超时、有限次重试、熔断和兜底；库存扣减只调用一次，回补按操作号幂等重试。
package productclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/constants"
	"github.com/rainyctl/rainy-cloud/httpclient"
	"github.com/rainyctl/rainy-cloud/logger"
	"github.com/rainyctl/rainy-cloud/product"
	"github.com/sony/gobreaker"
)

// Config 控制远程查询的容错策略
type Config struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     time.Duration

	// 连续失败 BreakerFailures 次后熔断，BreakerOpen 之后进入半开
	BreakerFailures uint32
	BreakerOpen     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpen <= 0 {
		c.BreakerOpen = 10 * time.Second
	}
	return c
}

type Client struct {
	http    *httpclient.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

func New(hc *httpclient.Client, cfg Config) *Client {
	cfg = cfg.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    constants.ProductService + ".get",
		Timeout: cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// 商品不存在是业务结果，不算下游故障
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, product.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &Client{http: hc, cfg: cfg, breaker: breaker}
}

// Fetch 查询商品。任何传输错误、超时或熔断都不会向上抛出，而是返回 Unavailable。
// 调用方不能把不可用的结果当作价格为 0 的商品计费。
func (c *Client) Fetch(ctx context.Context, productID int64) product.Lookup {
	log := logger.Ctx(ctx).With().Int64("product_id", productID).Logger()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		p, err := c.fetchOnce(ctx, productID)
		if err == nil {
			if p.ID <= 0 {
				// 下游自己返回了兜底商品
				return product.Unavailable(product.ErrNotFound)
			}
			return product.Found(*p)
		}
		lastErr = err

		if errors.Is(err, product.ErrNotFound) {
			log.Info().Msg("product not found, falling back")
			return product.Unavailable(err)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().Err(err).Msg("product lookup short-circuited, falling back")
			return product.Unavailable(err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.cfg.MaxAttempts).Msg("product lookup failed")

		if attempt == c.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.Backoff):
		}
	}

	log.Warn().Err(lastErr).Msg("product lookup exhausted retries, falling back")
	return product.Unavailable(lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, productID int64) (*product.Product, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		var p product.Product
		path := strings.Replace(constants.ProductGetPath, "{id}", strconv.FormatInt(productID, 10), 1)
		err := c.http.Get(ctx, constants.ProductService, path, nil, &p)
		if httpclient.StatusCode(err) == http.StatusNotFound {
			return nil, product.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return &p, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*product.Product), nil
}

// Deduct 调用商品服务扣减库存，opID 让商品服务对重放和迟到的请求去重。
// 409 映射为 product.ErrInsufficientStock，410 映射为 product.ErrOperationRevoked；
// 其余错误（超时、5xx）表示扣减结果未知。
func (c *Client) Deduct(ctx context.Context, opID string, productID int64, count int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.http.Post(ctx, constants.ProductService, constants.ProductStockDeductPath, stockParams(opID, productID, count), nil)
	switch httpclient.StatusCode(err) {
	case http.StatusConflict, http.StatusNotFound:
		return product.ErrInsufficientStock
	case http.StatusGone:
		return product.ErrOperationRevoked
	case http.StatusBadRequest:
		return product.ErrInvalidCount
	}
	return errors.Wrapf(err, "remote deduct stock of product %d", productID)
}

// Restore 是 Deduct 的补偿调用。商品服务按 opID 去重，所以传输失败时可以放心重试。
func (c *Client) Restore(ctx context.Context, opID string, productID int64, count int) error {
	log := logger.Ctx(ctx).With().Int64("product_id", productID).Str("op_id", opID).Logger()

	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err = c.restoreOnce(ctx, opID, productID, count)
		if err == nil || errors.Is(err, product.ErrNotFound) || errors.Is(err, product.ErrInvalidCount) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("remote restore stock failed")
		if attempt == c.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.Backoff):
		}
	}
	return err
}

func (c *Client) restoreOnce(ctx context.Context, opID string, productID int64, count int) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.http.Post(ctx, constants.ProductService, constants.ProductStockRestorePath, stockParams(opID, productID, count), nil)
	switch httpclient.StatusCode(err) {
	case http.StatusNotFound:
		return product.ErrNotFound
	case http.StatusBadRequest:
		return product.ErrInvalidCount
	}
	return errors.Wrapf(err, "remote restore stock of product %d", productID)
}

func stockParams(opID string, productID int64, count int) url.Values {
	v := url.Values{
		"productId": {strconv.FormatInt(productID, 10)},
		"count":     {strconv.Itoa(count)},
	}
	if opID != "" {
		v.Set("opId", opID)
	}
	return v
}
