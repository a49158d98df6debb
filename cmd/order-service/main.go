package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rainyctl/rainy-cloud/bootstrap"
	"github.com/rainyctl/rainy-cloud/constants"
	"github.com/rainyctl/rainy-cloud/httpclient"
	"github.com/rainyctl/rainy-cloud/idempotency"
	"github.com/rainyctl/rainy-cloud/logger"
	"github.com/rainyctl/rainy-cloud/mq"
	"github.com/rainyctl/rainy-cloud/order"
	"github.com/rainyctl/rainy-cloud/orderapi"
	"github.com/rainyctl/rainy-cloud/productclient"
	rclient "github.com/rainyctl/rainy-cloud/redis"
	"github.com/rainyctl/rainy-cloud/tracing"
	"github.com/rainyctl/rainy-cloud/transactional"
	"github.com/rainyctl/rainy-cloud/workflow"
	"github.com/rainyctl/rainy-cloud/zookeeper"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

type deps struct {
	handler   *orderapi.Handler
	forwarder *transactional.Forwarder
	writer    *kafka.Writer
	redis     *rclient.Client
	zk        *zookeeper.Conn
}

func main() {
	_ = godotenv.Load()

	app, err := bootstrap.NewApplication(bootstrap.AppInfo[*deps]{
		ServiceName: constants.OrderService,
		Assemble:    assemble,
		Register:    register,
	})
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("failed to start order service")
	}
	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}

func assemble(appCtx bootstrap.AppContext) (*deps, error) {
	cfg := appCtx.Config
	d := &deps{}

	db, err := gorm.Open(mysql.Open(cfg.Infra.Mysql.DSN), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	orders, err := order.NewGormStore(db)
	if err != nil {
		return nil, err
	}

	// 发件箱：事件先落库，再由转发器异步投递到 Kafka
	outboxStore, err := transactional.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	d.writer = mq.NewOutboxWriter(strings.Split(cfg.Infra.Kafka.Brokers, ","))
	outbox := transactional.NewService(outboxStore, d.writer, transactional.Options{
		BatchSize:  cfg.App.Outbox.BatchSize,
		MaxRetries: cfg.App.Outbox.MaxRetries,
		RetryAfter: time.Duration(cfg.App.Outbox.RetryAfterSeconds) * time.Second,
	})

	// 多实例部署时用 ZooKeeper 锁保证同一时刻只有一个转发器在工作
	var locker transactional.Locker
	if cfg.Infra.Zookeeper.Addrs != "" {
		d.zk, err = zookeeper.Connect(strings.Split(cfg.Infra.Zookeeper.Addrs, ","))
		if err != nil {
			return nil, err
		}
		lock, err := zookeeper.NewDistributedLock(d.zk, "outbox-forwarder")
		if err != nil {
			return nil, err
		}
		locker = lock
	}
	d.forwarder = transactional.NewForwarder(outbox, time.Duration(cfg.App.Outbox.IntervalMs)*time.Millisecond, locker)

	lookup := cfg.App.ProductLookup
	products := productclient.New(
		httpclient.NewClient(appCtx.TracerProvider.Tracer("order-service-client"), appCtx.Resolver),
		productclient.Config{
			MaxAttempts:     lookup.Attempts,
			Timeout:         time.Duration(lookup.TimeoutMs) * time.Millisecond,
			Backoff:         time.Duration(lookup.BackoffMs) * time.Millisecond,
			BreakerFailures: lookup.BreakerFailures,
			BreakerOpen:     time.Duration(lookup.BreakerOpenSeconds) * time.Second,
		})

	engine := workflow.NewEngine(products, products, orders,
		workflow.WithEvents(workflow.NewOutboxPublisher(db, outbox)),
		workflow.WithTracer(appCtx.TracerProvider.Tracer("order-workflow")),
		workflow.WithShipping(cfg.App.OrderService.ShippingName, cfg.App.OrderService.ShippingAddress),
		workflow.WithStepHook(simulatedCrash),
	)

	opts := []orderapi.Option{orderapi.WithSettings(func() orderapi.Settings {
		c := bootstrap.GetCurrentConfig().App.OrderService
		return orderapi.Settings{Timeout: c.Timeout, AutoConfirm: c.AutoConfirm}
	})}
	if cfg.Infra.Redis.Addrs != "" {
		d.redis, err = rclient.NewClient(context.Background(), cfg.Infra.Redis.Addrs)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orderapi.WithIdempotency(idempotency.NewManager(d.redis.GetClient(),
			time.Duration(cfg.App.Idempotency.TTLSeconds)*time.Second)))
	}
	d.handler = orderapi.NewHandler(engine, orders, opts...)
	return d, nil
}

// simulatedCrash 读取最新配置，开关可以通过 Nacos 热更新
func simulatedCrash(ctx context.Context, runID string, state workflow.State) error {
	if !bootstrap.GetCurrentConfig().App.OrderService.SimulateCrash {
		return nil
	}
	return workflow.CrashAfter(workflow.StateStockDecremented)(ctx, runID, state)
}

func register(app *bootstrap.Application, d *deps) error {
	r := tracing.NewRouter(constants.OrderService)
	d.handler.Register(r)
	if err := app.AddServer(r, port(8080)); err != nil {
		return err
	}

	app.AddTask(d.forwarder.Start, func(ctx context.Context) error {
		if d.redis != nil {
			_ = d.redis.Close()
		}
		if d.zk != nil {
			d.zk.Close()
		}
		return d.writer.Close()
	})
	return nil
}

func port(fallback int) int {
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil {
		return p
	}
	return fallback
}
