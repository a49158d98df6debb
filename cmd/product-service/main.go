package main

import (
	"context"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rainyctl/rainy-cloud/bootstrap"
	"github.com/rainyctl/rainy-cloud/constants"
	"github.com/rainyctl/rainy-cloud/logger"
	"github.com/rainyctl/rainy-cloud/product"
	rclient "github.com/rainyctl/rainy-cloud/redis"
	"github.com/rainyctl/rainy-cloud/tracing"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

type deps struct {
	handler *product.Handler
	redis   *rclient.Client
}

func main() {
	_ = godotenv.Load()

	app, err := bootstrap.NewApplication(bootstrap.AppInfo[*deps]{
		ServiceName: constants.ProductService,
		Assemble:    assemble,
		Register:    register,
	})
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("failed to start product service")
	}
	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}

func assemble(appCtx bootstrap.AppContext) (*deps, error) {
	cfg := appCtx.Config

	db, err := gorm.Open(mysql.Open(cfg.Infra.Mysql.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	store, err := product.NewGormStore(db)
	if err != nil {
		return nil, err
	}

	d := &deps{}
	if cfg.App.ProductService.StockBackend != "redis" {
		d.handler = product.NewHandler(store)
		return d, nil
	}

	// redis 模式下库存以 Redis 为准，启动时从 MySQL 全量预热
	d.redis, err = rclient.NewClient(context.Background(), cfg.Infra.Redis.Addrs)
	if err != nil {
		return nil, err
	}
	redisStore, err := product.NewRedisStore(d.redis)
	if err != nil {
		return nil, err
	}
	n, err := redisStore.WarmUp(context.Background(), store)
	if err != nil {
		return nil, err
	}
	logger.Logger.Info().Int("seeded", n).Msg("✅ redis products synced from mysql, existing stock kept")
	d.handler = product.NewHandler(redisStore)
	return d, nil
}

func register(app *bootstrap.Application, d *deps) error {
	r := tracing.NewRouter(constants.ProductService)
	d.handler.Register(r)
	if err := app.AddServer(r, port(9000)); err != nil {
		return err
	}
	if d.redis != nil {
		app.AddTask(nil, func(ctx context.Context) error {
			return d.redis.Close()
		})
	}
	return nil
}

func port(fallback int) int {
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
		return p
	}
	return fallback
}
