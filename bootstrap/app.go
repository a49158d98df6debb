package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rainyctl/rainy-cloud/httpclient"
	"github.com/rainyctl/rainy-cloud/logger"
	"github.com/rainyctl/rainy-cloud/nacos"
	"github.com/rainyctl/rainy-cloud/tracing"
	"github.com/rainyctl/rainy-cloud/utils"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

// AppContext 包含了在组装阶段可以使用的核心依赖。
type AppContext struct {
	Config         Config
	NamingClient   *nacos.Client // 本地模式下为 nil
	Resolver       httpclient.Resolver
	TracerProvider *sdktrace.TracerProvider
}

// AppInfo 描述了如何构建和运行一个服务。
// 它是一个泛型结构，允许每个服务定义自己独特的依赖集合。
type AppInfo[T any] struct {
	ServiceName string
	// Assemble 负责使用 AppContext 创建并组装所有业务依赖，是整个应用的组装根。
	Assemble func(appCtx AppContext) (T, error)
	// Register 负责将组装好的业务依赖注册到应用生命周期中，
	// 例如启动HTTP服务器、启动发件箱转发器等。
	Register func(app *Application, deps T) error
}

// Application 是管理整个服务生命周期的核心结构体。
type Application struct {
	serviceName string
	nacosNaming *nacos.Client
	tracer      *sdktrace.TracerProvider

	g              *errgroup.Group
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// NewApplication 负责完成所有组件的初始化、组装和注册。
func NewApplication[T any](info AppInfo[T]) (*Application, error) {
	logger.Init(info.ServiceName)

	// 1. 加载配置 (Nacos 或本地文件)
	if err := Init(); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	cfg := GetCurrentConfig()

	// 2. 初始化 Tracer Provider
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to init tracer")
	}

	app := &Application{
		serviceName: info.ServiceName,
		tracer:      tp,
	}

	// 3. 服务发现：本地模式使用静态地址表
	var resolver httpclient.Resolver = httpclient.StaticResolver(cfg.App.Services)
	if !IsLocalMode() {
		serverConfigs, err := createNacosServerConfigs(nacosServerAddrs)
		if err != nil {
			return nil, errors.Wrap(err, "invalid nacos server address")
		}
		clientConfig := createNacosClientConfig(nacosNamespace)
		app.nacosNaming, err = nacos.NewNacosClientWithConfigs(serverConfigs, &clientConfig, nacosGroup)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize nacos naming client")
		}
		resolver = app.nacosNaming
		logger.Logger.Info().Msg("Nacos integration is enabled.")
	} else {
		logger.Logger.Info().Msg("Nacos integration is disabled (local mode).")
	}

	app.shutdownCtx, app.shutdownCancel = context.WithCancel(context.Background())
	app.g, _ = errgroup.WithContext(app.shutdownCtx)

	// 4. 调用业务方的 Assemble 函数，组装所有业务依赖
	deps, err := info.Assemble(AppContext{
		Config:         cfg,
		NamingClient:   app.nacosNaming,
		Resolver:       resolver,
		TracerProvider: tp,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to assemble dependencies")
	}

	// 5. 调用业务方的 Register 函数，注册所有需要运行的服务
	if err := info.Register(app, deps); err != nil {
		return nil, errors.Wrap(err, "failed to register services")
	}

	// 6. 最后，注册核心组件自身的优雅关停逻辑
	app.addCoreShutdownTasks()

	return app, nil
}

// AddServer 注册一个需要优雅关停的 HTTP 服务器；非本地模式下同时注册到 Nacos。
func (app *Application) AddServer(handler http.Handler, port int) error {
	serviceName := app.serviceName
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var ip string
	if app.nacosNaming != nil {
		var err error
		ip, err = utils.GetOutboundIP()
		if err != nil {
			return errors.Wrapf(err, "failed to get outbound IP for service %s", serviceName)
		}
		if err := app.nacosNaming.RegisterServiceInstance(serviceName, ip, port); err != nil {
			return errors.Wrapf(err, "failed to register '%s' with nacos", serviceName)
		}
		logger.Logger.Info().Str("service", serviceName).Str("ip", ip).Int("port", port).Msg("✅ service registered to Nacos")
	}

	app.g.Go(func() error {
		logger.Logger.Info().Str("service", serviceName).Int("port", port).Msg("✅ HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "http server error for '%s'", serviceName)
		}
		return nil
	})

	app.g.Go(func() error {
		<-app.shutdownCtx.Done()
		logger.Logger.Info().Str("service", serviceName).Msg("shutting down HTTP server")

		shutdownTimeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 先从 Nacos 注销，再关闭 HTTP 服务器
		if app.nacosNaming != nil {
			if err := app.nacosNaming.DeregisterServiceInstance(serviceName, ip, port); err != nil {
				logger.Logger.Error().Err(err).Str("service", serviceName).Msg("❌ error deregistering from Nacos")
			} else {
				logger.Logger.Info().Str("service", serviceName).Msg("✅ service deregistered from Nacos")
			}
		}
		return server.Shutdown(shutdownTimeoutCtx)
	})

	return nil
}

// AddTask 注册一个通用的后台任务，并管理其生命周期。
// start: 启动任务的函数。它接收一个上下文，当该上下文被取消时，任务应停止。
// stop:  （可选）关闭任务的函数，用于释放资源。
func (app *Application) AddTask(start func(ctx context.Context) error, stop func(ctx context.Context) error) {
	if start != nil {
		app.g.Go(func() error {
			return start(app.shutdownCtx)
		})
	}

	if stop != nil {
		app.g.Go(func() error {
			<-app.shutdownCtx.Done()
			timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return stop(timeoutCtx)
		})
	}
}

// addCoreShutdownTasks 注册核心基础设施组件的关停任务。
func (app *Application) addCoreShutdownTasks() {
	app.AddTask(nil, func(ctx context.Context) error {
		if nacosConfigClient != nil {
			nacosConfigClient.CloseClient()
		}
		if app.nacosNaming != nil {
			app.nacosNaming.Close()
		}
		return nil
	})
	app.AddTask(nil, func(ctx context.Context) error {
		if err := app.tracer.Shutdown(ctx); err != nil {
			return err
		}
		logger.Logger.Info().Msg("✅ tracer provider shut down")
		return nil
	})
}

// Shutdown 主动触发关停，效果与收到 SIGTERM 相同
func (app *Application) Shutdown() {
	app.shutdownCancel()
}

// Run 启动整个应用，并阻塞等待关停信号。
func (app *Application) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	app.g.Go(func() error {
		select {
		case <-app.shutdownCtx.Done():
			return nil // 由其他任务触发的关停
		case sig := <-quit:
			logger.Logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
			app.shutdownCancel()
		}
		return nil
	})

	logger.Logger.Info().Str("service", app.serviceName).Msg("🚀 application started")

	if err := app.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Logger.Error().Err(err).Msg("❌ application run failed")
		return err
	}

	logger.Logger.Info().Str("service", app.serviceName).Msg("✅ application gracefully shut down")
	return nil
}
